package queue

// History persists job views across restarts.
type History interface {
	ListJobs() ([]JobView, error)
	WriteJob(view *JobView) error
	DeleteJob(id JobID) error
}

type NilHistory struct{}

func (h NilHistory) ListJobs() ([]JobView, error) {
	return nil, nil
}

func (h NilHistory) WriteJob(_ *JobView) error {
	return nil
}

func (h NilHistory) DeleteJob(_ JobID) error {
	return nil
}
