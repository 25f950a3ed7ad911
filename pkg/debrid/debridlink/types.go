package debridlink

type APIResponse[T any] struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Value   *T     `json:"value"` // nil on failure
}

type seedboxFile struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	DownloadURL     string `json:"downloadUrl"`
	Size            int64  `json:"size"`
	DownloadPercent int    `json:"downloadPercent"`
}

type seedboxTorrent struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	HashString      string        `json:"hashString"`
	Wait            bool          `json:"wait"`
	PeersConnected  int           `json:"peersConnected"`
	Status          int           `json:"status"`
	TotalSize       int64         `json:"totalSize"`
	Files           []seedboxFile `json:"files"`
	Created         int64         `json:"created"`
	DownloadPercent float64       `json:"downloadPercent"`
	DownloadSpeed   int64         `json:"downloadSpeed"`
}

type TorrentListResponse APIResponse[[]seedboxTorrent]

type SubmitTorrentResponse APIResponse[seedboxTorrent]

type DownloaderResponse APIResponse[struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	DownloadURL string `json:"downloadUrl"`
	Size        int64  `json:"size"`
}]

type AccountResponse APIResponse[struct {
	Username    string `json:"pseudo"`
	AccountType int    `json:"accountType"`
	PremiumLeft int64  `json:"premiumLeft"`
}]
