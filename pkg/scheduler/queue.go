package scheduler

// jobQueue is a priority queue of pending records: higher priority
// first, FIFO within one priority class via the monotonic sequence
// assigned at submission.
type jobQueue []*record

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].job.Priority != q[j].job.Priority {
		return q[i].job.Priority > q[j].job.Priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}

func (q *jobQueue) Push(x interface{}) {
	rec := x.(*record)
	rec.heapIndex = len(*q)
	*q = append(*q, rec)
}

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.heapIndex = -1
	*q = old[:n-1]
	return rec
}
