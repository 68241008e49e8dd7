package nats

// Naming for the relay's NATS resources.
//
//	captcha-jobs               -- job documents keyed by id
//	captcha-pending            -- index of unclaimed job ids
//	captcha-dead               -- index of dead-lettered job ids
//	captcha.events.job.{id}    -- terminal event for one job
//	captcha.events.all         -- every terminal event
const (
	BucketJobs    = "captcha-jobs"
	BucketPending = "captcha-pending"
	BucketDead    = "captcha-dead"

	eventJobPrefix  = "captcha.events.job."
	eventAllSubject = "captcha.events.all"
)

// EventJobSubject returns the subject carrying the terminal event of a job.
// Example: captcha.events.job.0190a2c4-...
func EventJobSubject(jobID string) string {
	return eventJobPrefix + jobID
}

// EventsAllSubject returns the subject carrying every terminal event.
func EventsAllSubject() string {
	return eventAllSubject
}
