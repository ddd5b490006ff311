package downloads

// DownloadStatus represents the current state of a fetch.
type DownloadStatus string

const (
	StatusPending     DownloadStatus = "pending"
	StatusDownloading DownloadStatus = "downloading"
	StatusExtracting  DownloadStatus = "extracting"
	StatusComplete    DownloadStatus = "complete"
	StatusError       DownloadStatus = "error"
	StatusCancelled   DownloadStatus = "cancelled"
)

// Progress represents the current progress of a single fetch.
type Progress struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Status          DownloadStatus `json:"status"`
	Message         string         `json:"message"`
	BytesDownloaded int64          `json:"bytes_downloaded"`
	TotalBytes      int64          `json:"total_bytes"`
	Percent         float64        `json:"percent"`
	Speed           int64          `json:"speed"` // bytes/sec
	Error           string         `json:"error,omitempty"`
}

// ProgressCallback is a function called to report fetch progress.
type ProgressCallback func(Progress)

// ByteProgressCallback is a function called to report raw byte progress during download.
type ByteProgressCallback func(downloaded, total int64)

// ByteProgress adapts a ProgressCallback to raw byte counts, tracking speed.
func ByteProgress(name string, progress ProgressCallback) ByteProgressCallback {
	if progress == nil {
		return nil
	}
	speed := NewSpeedTracker()
	return func(downloaded, total int64) {
		percent := float64(0)
		if total > 0 {
			percent = float64(downloaded) / float64(total) * 100
		}
		progress(Progress{
			Status:          StatusDownloading,
			Message:         "Downloading " + name + ": " + FormatBytes(downloaded) + " / " + FormatBytes(total),
			BytesDownloaded: downloaded,
			TotalBytes:      total,
			Percent:         percent,
			Speed:           speed.Update(downloaded),
		})
	}
}
