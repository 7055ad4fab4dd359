package rollout

import (
	"container/list"
)

// Scheduler moves sequences between the waiting and running queues
type Scheduler struct {
	maxNumSeqs   int
	eosTokenID   int
	blockManager *BlockManager
	waitingQueue *list.List
	runningQueue *list.List
}

// NewScheduler creates a new scheduler
func NewScheduler(maxNumSeqs, eosTokenID int, blockManager *BlockManager) *Scheduler {
	return &Scheduler{
		maxNumSeqs:   maxNumSeqs,
		eosTokenID:   eosTokenID,
		blockManager: blockManager,
		waitingQueue: list.New(),
		runningQueue: list.New(),
	}
}

// Add adds a sequence to the waiting queue
func (s *Scheduler) Add(seq *Sequence) {
	s.waitingQueue.PushBack(seq)
}

// Schedule returns the sequences to extend by one token this step. Running
// sequences that no longer fit are preempted newest first; waiting
// sequences are admitted while the budget allows.
func (s *Scheduler) Schedule() []*Sequence {
	scheduled := make([]*Sequence, 0, s.runningQueue.Len())

	for elem := s.runningQueue.Front(); elem != nil; {
		seq := elem.Value.(*Sequence)
		for !s.blockManager.CanAppend(seq) {
			victim := s.runningQueue.Back()
			s.preempt(victim)
			if victim == elem {
				break
			}
		}
		if seq.Status != SequenceStatusRunning {
			break
		}
		s.blockManager.Append(seq)
		scheduled = append(scheduled, seq)
		elem = elem.Next()
	}

	for s.waitingQueue.Len() > 0 && s.runningQueue.Len() < s.maxNumSeqs {
		elem := s.waitingQueue.Front()
		seq := elem.Value.(*Sequence)
		if !s.blockManager.CanAllocate(seq) {
			break
		}
		s.waitingQueue.Remove(elem)
		s.blockManager.Allocate(seq)
		seq.Status = SequenceStatusRunning
		s.runningQueue.PushBack(seq)
		scheduled = append(scheduled, seq)
	}

	return scheduled
}

// preempt returns a running sequence to the head of the waiting queue. Its
// tokens are kept; only the budget is released.
func (s *Scheduler) preempt(elem *list.Element) {
	seq := elem.Value.(*Sequence)
	s.runningQueue.Remove(elem)
	s.blockManager.Free(seq)
	seq.Status = SequenceStatusWaiting
	s.waitingQueue.PushFront(seq)
}

// PostProcess appends the sampled tokens and retires finished sequences
func (s *Scheduler) PostProcess(seqs []*Sequence, tokenIDs []int) []bool {
	finished := make([]bool, len(seqs))

	for i, seq := range seqs {
		seq.AppendToken(tokenIDs[i])

		if tokenIDs[i] == s.eosTokenID || seq.NumCompletionTokens() >= seq.MaxNewTokens {
			seq.Status = SequenceStatusFinished
			s.blockManager.Free(seq)

			for e := s.runningQueue.Front(); e != nil; e = e.Next() {
				if e.Value.(*Sequence) == seq {
					s.runningQueue.Remove(e)
					break
				}
			}

			finished[i] = true
		}
	}

	return finished
}

// IsFinished checks if all sequences are finished
func (s *Scheduler) IsFinished() bool {
	return s.waitingQueue.Len() == 0 && s.runningQueue.Len() == 0
}
