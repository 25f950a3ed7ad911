package alldebrid

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MagnetFile is a node of the status file tree. Folders carry Elements, files carry Link.
type MagnetFile struct {
	Name     string       `json:"n"`
	Size     int64        `json:"s"`
	Link     string       `json:"l"`
	Elements []MagnetFile `json:"e"`
}

type magnetInfo struct {
	Id            int          `json:"id"`
	Filename      string       `json:"filename"`
	Size          int64        `json:"size"`
	Hash          string       `json:"hash"`
	Status        string       `json:"status"`
	StatusCode    int          `json:"statusCode"`
	Downloaded    int64        `json:"downloaded"`
	DownloadSpeed int64        `json:"downloadSpeed"`
	Seeders       int          `json:"seeders"`
	Files         []MagnetFile `json:"files"`
}

type TorrentInfoResponse struct {
	Status string `json:"status"`
	Data   struct {
		Magnets magnetInfo `json:"magnets"`
	} `json:"data"`
	Error *errorResponse `json:"error"`
}

type uploadedMagnet struct {
	Magnet string         `json:"magnet"`
	Hash   string         `json:"hash"`
	Name   string         `json:"name"`
	Size   int64          `json:"size"`
	Ready  bool           `json:"ready"`
	ID     int            `json:"id"`
	Error  *errorResponse `json:"error"`
}

type UploadMagnetResponse struct {
	Status string `json:"status"`
	Data   struct {
		Magnets []uploadedMagnet `json:"magnets"`
	} `json:"data"`
	Error *errorResponse `json:"error"`
}

type UploadFileResponse struct {
	Status string `json:"status"`
	Data   struct {
		Files []struct {
			File string `json:"file"`
			uploadedMagnet
		} `json:"files"`
	} `json:"data"`
	Error *errorResponse `json:"error"`
}

type DownloadLink struct {
	Status string `json:"status"`
	Data   struct {
		Link     string `json:"link"`
		Host     string `json:"host"`
		Filename string `json:"filename"`
		Filesize int64  `json:"filesize"`
		Id       string `json:"id"`
		Delayed  int    `json:"delayed"`
	} `json:"data"`
	Error *errorResponse `json:"error"`
}

// LinkInfo is one entry of a /link/infos batch answer.
type LinkInfo struct {
	Link     string         `json:"link"`
	Filename string         `json:"filename"`
	Size     int64          `json:"size"`
	Host     string         `json:"host"`
	Error    *errorResponse `json:"error,omitempty"`
}

func (l LinkInfo) Available() bool {
	return l.Error == nil
}

type LinkInfosResponse struct {
	Status string `json:"status"`
	Data   struct {
		Infos []LinkInfo `json:"infos"`
	} `json:"data"`
	Error *errorResponse `json:"error"`
}

type UserResponse struct {
	Status string `json:"status"`
	Data   struct {
		User struct {
			Username  string `json:"username"`
			IsPremium bool   `json:"isPremium"`
		} `json:"user"`
	} `json:"data"`
	Error *errorResponse `json:"error"`
}
