package redisqueue

// keys holds every Redis key of one queue. All keys share the {queue} hash tag
// so scripts touching several of them stay cluster-safe.
type keys struct {
	Waiting   string
	Delayed   string
	Active    string
	Completed string
	Failed    string
	Seq       string
	JobPrefix string
}

func keysFor(prefix, queue string) keys {
	p := prefix + ":{" + queue + "}:"
	return keys{
		Waiting:   p + "waiting",
		Delayed:   p + "delayed",
		Active:    p + "active",
		Completed: p + "completed",
		Failed:    p + "failed",
		Seq:       p + "seq",
		JobPrefix: p + "job:",
	}
}

func (k keys) Job(id string) string {
	return k.JobPrefix + id
}
