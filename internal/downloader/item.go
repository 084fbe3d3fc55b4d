package downloader

import "time"

// UnknownSize marks a TotalBytes value that has not been learned yet.
const UnknownSize int64 = -1

// Status is the lifecycle state of an Item.
type Status string

const (
	StatusQueued               Status = "Queued"
	StatusPreparing            Status = "Preparing"
	StatusDownloading          Status = "Downloading"
	StatusDownloadingMultipart Status = "Downloading (multipart)"
	StatusDone                 Status = "Done"
	StatusCancelled            Status = "Cancelled"
	StatusFailed               Status = "Failed"
)

// IsTerminal reports whether no further transitions can happen.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled || s == StatusFailed
}

// IsActive reports whether the item holds a concurrency slot.
func (s Status) IsActive() bool {
	return s == StatusPreparing || s == StatusDownloading || s == StatusDownloadingMultipart
}

var transitions = map[Status][]Status{
	StatusQueued:               {StatusPreparing, StatusCancelled, StatusFailed},
	StatusPreparing:            {StatusDownloading, StatusDownloadingMultipart, StatusCancelled, StatusFailed},
	StatusDownloadingMultipart: {StatusDownloading, StatusDone, StatusCancelled, StatusFailed},
	StatusDownloading:          {StatusDone, StatusCancelled, StatusFailed},
}

// CanTransition reports whether an item may move from s to next. Staying in
// the same non-terminal state is allowed so progress updates can be applied.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return !s.IsTerminal()
	}

	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// Item is an immutable snapshot of one download at one revision.
type Item struct {
	ID       string
	URL      string
	FileName string
	SavePath string

	// TotalBytes is UnknownSize until a probe or a GET response reveals it.
	TotalBytes int64
	// DownloadedBytes counts bytes confirmed in the destination file. For multipart
	// downloads it jumps to TotalBytes once the parts are reassembled.
	DownloadedBytes int64
	// ReceivedBytes counts bytes received so far across all parts.
	ReceivedBytes int64
	// Parts is the number of byte ranges fetched, zero for a single stream.
	Parts int

	Status     Status
	CreatedAt  time.Time
	FinishedAt time.Time
	LastError  string
	Revision   uint64
}

// HasTotal reports whether the total size is known.
func (i Item) HasTotal() bool {
	return i.TotalBytes != UnknownSize
}
