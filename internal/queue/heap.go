package queue

import "container/heap"

// jobHeap orders pending jobs by (priority, insertion seq).
// The seq tie-break keeps equal priorities in FIFO order.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

func (h *jobHeap) push(j *Job) { heap.Push(h, j) }

func (h *jobHeap) pop() *Job {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*Job)
}

func (h *jobHeap) remove(id string) (*Job, bool) {
	for i, j := range *h {
		if j.ID == id {
			return heap.Remove(h, i).(*Job), true
		}
	}
	return nil, false
}
