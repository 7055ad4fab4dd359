package rollout

// BlockManager meters the token budget of the running set. Every decode
// step re-runs each running sequence in full, so the tokens held by running
// sequences bound the activation memory of one step. Capacity is handed
// out in fixed-size blocks.
type BlockManager struct {
	blockSize  int
	numBlocks  int
	freeBlocks []int
}

// NewBlockManager creates a new block manager
func NewBlockManager(numBlocks, blockSize int) *BlockManager {
	freeBlocks := make([]int, numBlocks)
	for i := 0; i < numBlocks; i++ {
		freeBlocks[i] = i
	}
	return &BlockManager{
		blockSize:  blockSize,
		numBlocks:  numBlocks,
		freeBlocks: freeBlocks,
	}
}

// blocksFor returns the number of blocks needed to hold n tokens
func (bm *BlockManager) blocksFor(n int) int {
	return (n + bm.blockSize - 1) / bm.blockSize
}

// NumFreeBlocks returns the number of unallocated blocks
func (bm *BlockManager) NumFreeBlocks() int { return len(bm.freeBlocks) }

// Fits reports whether a sequence of n tokens could ever be scheduled
func (bm *BlockManager) Fits(n int) bool { return bm.blocksFor(n+1) <= bm.numBlocks }

// CanAllocate checks if a sequence plus its next token fits
func (bm *BlockManager) CanAllocate(seq *Sequence) bool {
	return len(bm.freeBlocks) >= bm.blocksFor(seq.NumTokens+1)
}

// Allocate reserves blocks for a sequence and its next token
func (bm *BlockManager) Allocate(seq *Sequence) {
	need := bm.blocksFor(seq.NumTokens + 1)
	seq.BlockTable = make([]int, 0, need)
	for len(seq.BlockTable) < need {
		seq.BlockTable = append(seq.BlockTable, bm.pop())
	}
}

// Free frees blocks for a sequence
func (bm *BlockManager) Free(seq *Sequence) {
	bm.freeBlocks = append(bm.freeBlocks, seq.BlockTable...)
	seq.BlockTable = nil
}

// CanAppend checks if a sequence can grow by one token
func (bm *BlockManager) CanAppend(seq *Sequence) bool {
	if len(seq.BlockTable)*bm.blockSize > seq.NumTokens {
		return true
	}
	return len(bm.freeBlocks) > 0
}

// Append reserves room for the next token of a sequence
func (bm *BlockManager) Append(seq *Sequence) {
	if len(seq.BlockTable)*bm.blockSize > seq.NumTokens {
		return
	}
	seq.BlockTable = append(seq.BlockTable, bm.pop())
}

func (bm *BlockManager) pop() int {
	id := bm.freeBlocks[len(bm.freeBlocks)-1]
	bm.freeBlocks = bm.freeBlocks[:len(bm.freeBlocks)-1]
	return id
}
