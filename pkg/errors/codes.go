package errors

// ErrorCode represents a structured error code definition
type ErrorCode struct {
	Code    string
	Type    ErrorType
	Message string
}

// ============================================================================
// Configuration Errors (CFG_xxx)
// ============================================================================

var (
	// ErrConfigInvalid indicates a configuration value failed validation
	ErrConfigInvalid = ErrorCode{
		Code:    "CFG_001",
		Type:    ErrorTypeConfig,
		Message: "Invalid configuration",
	}

	// ErrConfigLoad indicates the configuration file could not be read
	ErrConfigLoad = ErrorCode{
		Code:    "CFG_002",
		Type:    ErrorTypeConfig,
		Message: "Failed to load configuration",
	}
)

// ============================================================================
// Shape Errors (SHAPE_xxx)
// ============================================================================

var (
	// ErrBatchSize indicates the number of queries does not match batch_size
	ErrBatchSize = ErrorCode{
		Code:    "SHAPE_001",
		Type:    ErrorTypeValidation,
		Message: "Batch size does not match number of examples",
	}

	// ErrLengthMismatch indicates per-token arrays of different lengths
	ErrLengthMismatch = ErrorCode{
		Code:    "SHAPE_002",
		Type:    ErrorTypeValidation,
		Message: "Per-token arrays have mismatched lengths",
	}

	// ErrShape indicates a tensor of unexpected rank or dimensions
	ErrShape = ErrorCode{
		Code:    "SHAPE_003",
		Type:    ErrorTypeValidation,
		Message: "Unexpected tensor shape",
	}

	// ErrStorageInvariant indicates a rollout storage sample breaks its index invariants
	ErrStorageInvariant = ErrorCode{
		Code:    "SHAPE_004",
		Type:    ErrorTypeValidation,
		Message: "Rollout storage invariant violated",
	}

	// ErrEmptyResponse indicates a response with no tokens reached the update loop
	ErrEmptyResponse = ErrorCode{
		Code:    "SHAPE_005",
		Type:    ErrorTypeValidation,
		Message: "Response has no tokens",
	}
)

// ============================================================================
// External Collaborator Errors (MODEL_xxx, REWARD_xxx)
// ============================================================================

var (
	// ErrModelForward indicates the model forward pass failed
	ErrModelForward = ErrorCode{
		Code:    "MODEL_001",
		Type:    ErrorTypeExternal,
		Message: "Model forward pass failed",
	}

	// ErrModelBackward indicates the model backward pass failed
	ErrModelBackward = ErrorCode{
		Code:    "MODEL_002",
		Type:    ErrorTypeExternal,
		Message: "Model backward pass failed",
	}

	// ErrGeneration indicates rollout generation failed
	ErrGeneration = ErrorCode{
		Code:    "MODEL_003",
		Type:    ErrorTypeExternal,
		Message: "Rollout generation failed",
	}

	// ErrCheckpoint indicates a checkpoint could not be read or written
	ErrCheckpoint = ErrorCode{
		Code:    "MODEL_004",
		Type:    ErrorTypeExternal,
		Message: "Checkpoint I/O failed",
	}

	// ErrRewardScoring indicates the reward model failed on the batch
	ErrRewardScoring = ErrorCode{
		Code:    "REWARD_001",
		Type:    ErrorTypeExternal,
		Message: "Reward scoring failed",
	}

	// ErrRewardClass indicates the configured class index is absent from a scorer output
	ErrRewardClass = ErrorCode{
		Code:    "REWARD_002",
		Type:    ErrorTypeValidation,
		Message: "Reward class index out of range",
	}

	// ErrTokenizer indicates encoding or decoding failed
	ErrTokenizer = ErrorCode{
		Code:    "TOK_001",
		Type:    ErrorTypeExternal,
		Message: "Tokenizer failure",
	}

	// ErrSync indicates the distributed barrier failed
	ErrSync = ErrorCode{
		Code:    "DIST_001",
		Type:    ErrorTypeExternal,
		Message: "Worker synchronization failed",
	}
)

// ============================================================================
// Numeric Errors (NUM_xxx)
// ============================================================================

var (
	// ErrNonFinite indicates a NaN or Inf reached a loss or reward
	ErrNonFinite = ErrorCode{
		Code:    "NUM_001",
		Type:    ErrorTypeNumeric,
		Message: "Non-finite value",
	}
)

// Sentinel values usable with errors.Is; they match any AppError with the same code.
var (
	ErrNoGraph = New(ErrorCode{
		Code:    "MODEL_005",
		Type:    ErrorTypeValidation,
		Message: "Output was produced without gradient tracking",
	}, "")
)
