package realdebrid

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode int    `json:"error_code"`
}

type AddMagnetSchema struct {
	Id  string `json:"id"`
	Uri string `json:"uri"`
}

type torrentFile struct {
	ID       int    `json:"id"`
	Path     string `json:"path"`
	Bytes    int64  `json:"bytes"`
	Selected int    `json:"selected"`
}

type TorrentInfo struct {
	ID               string        `json:"id"`
	Filename         string        `json:"filename"`
	OriginalFilename string        `json:"original_filename"`
	Hash             string        `json:"hash"`
	Bytes            int64         `json:"bytes"`
	OriginalBytes    int64         `json:"original_bytes"`
	Progress         float64       `json:"progress"`
	Status           string        `json:"status"`
	Files            []torrentFile `json:"files"`
	Links            []string      `json:"links"`
	Speed            int64         `json:"speed,omitempty"`
	Seeders          int           `json:"seeders,omitempty"`
}

type UnrestrictResponse struct {
	Id       string `json:"id"`
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
	Link     string `json:"link"`
	Host     string `json:"host"`
	Download string `json:"download"`
}

type UserResponse struct {
	Username string `json:"username"`
	Type     string `json:"type"`
	Premium  int64  `json:"premium"`
}
