package torbox

// APIResponse is the envelope of every TorBox answer. Error is either a string code or null.
type APIResponse[T any] struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail"`
	Data    *T     `json:"data"`
}

type AddMagnetResponse APIResponse[struct {
	Id   int    `json:"torrent_id"`
	Hash string `json:"hash"`
}]

type torrentFile struct {
	Id        int    `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
	Size      int64  `json:"size"`
}

type torboxInfo struct {
	Id               int           `json:"id"`
	Hash             string        `json:"hash"`
	Name             string        `json:"name"`
	Size             int64         `json:"size"`
	DownloadState    string        `json:"download_state"`
	Progress         float64       `json:"progress"` // 0..1
	TotalDownloaded  int64         `json:"total_downloaded"`
	DownloadSpeed    int64         `json:"download_speed"`
	Seeds            int           `json:"seeds"`
	DownloadFinished bool          `json:"download_finished"`
	DownloadPresent  bool          `json:"download_present"`
	Files            []torrentFile `json:"files"`
}

type InfoResponse APIResponse[torboxInfo]

type DownloadLinksResponse APIResponse[string]

type UserResponse APIResponse[struct {
	Email string `json:"email"`
	Plan  int    `json:"plan"`
}]
