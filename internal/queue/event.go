package queue

type Event interface {
	// The ID of the job this event relates to.
	JobID() JobID
}

type JobAdded struct {
	Job JobView
}

func (e JobAdded) JobID() JobID {
	return e.Job.ID
}

type JobUpdated struct {
	Old JobView
	New JobView
}

func (e JobUpdated) JobID() JobID {
	return e.New.ID
}

// StatusChanged is true if the update was a status transition, rather than e.g. a progress report.
func (e JobUpdated) StatusChanged() bool {
	return e.Old.Status != e.New.Status
}

type JobRemoved struct {
	Job JobView
}

func (e JobRemoved) JobID() JobID {
	return e.Job.ID
}
