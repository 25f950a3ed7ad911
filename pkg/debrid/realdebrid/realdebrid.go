package realdebrid

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"github.com/darkiworld/debrid-blackhole/internal/config"
	"github.com/darkiworld/debrid-blackhole/internal/logger"
	"github.com/darkiworld/debrid-blackhole/internal/request"
	"github.com/darkiworld/debrid-blackhole/internal/utils"
	"github.com/darkiworld/debrid-blackhole/pkg/debrid/types"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"io"
	"net/http"
	gourl "net/url"
	"path"
	"strings"
)

const (
	Name        = "realdebrid"
	defaultHost = "https://api.real-debrid.com/rest/1.0"
)

type RealDebrid struct {
	Name    string
	Host    string
	APIKey  string
	enabled bool
	client  *request.Client
	logger  zerolog.Logger
}

func New(dc config.Debrid, opts ...request.ClientOption) *RealDebrid {
	_log := logger.New(Name)
	options := []request.ClientOption{
		request.WithHeaders(map[string]string{
			"Authorization": fmt.Sprintf("Bearer %s", dc.APIKey),
		}),
		request.WithRateLimiter(request.ParseRateLimit(dc.RateLimit)),
		request.WithProxy(dc.Proxy),
		request.WithLogger(_log),
	}
	return &RealDebrid{
		Name:    Name,
		Host:    strings.TrimRight(cmp.Or(dc.Host, defaultHost), "/"),
		APIKey:  dc.APIKey,
		enabled: dc.IsEnabled(),
		client:  request.New(append(options, opts...)...),
		logger:  _log,
	}
}

func (r *RealDebrid) GetName() string {
	return r.Name
}

func (r *RealDebrid) GetLogger() zerolog.Logger {
	return r.logger
}

func (r *RealDebrid) IsConfigured() bool {
	return r.APIKey != ""
}

func (r *RealDebrid) IsEnabled() bool {
	return r.enabled && r.IsConfigured()
}

func (r *RealDebrid) SupportsTorrents() bool {
	return true
}

func (r *RealDebrid) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string) ([]byte, error) {
	if !r.IsConfigured() {
		return nil, types.NewError(r.Name, types.NotConfigured, "missing api key")
	}
	u, err := request.JoinURL(r.Host, endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := r.client.MakeRequest(req)
	if err != nil {
		var apiErr errorResponse
		if jsonErr := json.Unmarshal(resp, &apiErr); jsonErr == nil && apiErr.Error != "" {
			return nil, types.Classify(r.Name, fmt.Errorf("%s (code %d): %w", apiErr.Error, apiErr.ErrorCode, err))
		}
		return nil, types.Classify(r.Name, err)
	}
	return resp, nil
}

func (r *RealDebrid) form(ctx context.Context, endpoint string, values gourl.Values) ([]byte, error) {
	return r.do(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()), "application/x-www-form-urlencoded")
}

func (r *RealDebrid) TestConnection(ctx context.Context) error {
	body, err := r.do(ctx, http.MethodGet, "/user", nil, "")
	if err != nil {
		return err
	}
	var user UserResponse
	if err := json.Unmarshal(body, &user); err != nil {
		return types.Classify(r.Name, err)
	}
	if user.Type != "premium" {
		return types.NewError(r.Name, types.AuthFailure, "account %s is %s", user.Username, user.Type)
	}
	return nil
}

func (r *RealDebrid) ResolveLink(ctx context.Context, link string) (string, error) {
	body, err := r.form(ctx, "/unrestrict/link", gourl.Values{"link": {link}})
	if err != nil {
		return "", err
	}
	var data UnrestrictResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return "", types.Classify(r.Name, err)
	}
	if data.Download == "" {
		return "", types.NewError(r.Name, types.RemoteRejected, "no download link for %s", link)
	}
	return data.Download, nil
}

func (r *RealDebrid) added(body []byte) (string, error) {
	var data AddMagnetSchema
	if err := json.Unmarshal(body, &data); err != nil {
		return "", types.Classify(r.Name, err)
	}
	if data.Id == "" {
		return "", types.NewError(r.Name, types.RemoteRejected, "upload returned no id")
	}
	r.logger.Info().Str("id", data.Id).Msg("Torrent added")
	return data.Id, nil
}

func (r *RealDebrid) UploadMagnet(ctx context.Context, magnet string) (string, error) {
	body, err := r.form(ctx, "/torrents/addMagnet", gourl.Values{"magnet": {magnet}})
	if err != nil {
		return "", err
	}
	return r.added(body)
}

func (r *RealDebrid) UploadTorrent(ctx context.Context, data []byte, filename string) (string, error) {
	body, err := r.do(ctx, http.MethodPut, "/torrents/addTorrent", bytes.NewReader(data), "application/x-bittorrent")
	if err != nil {
		return "", err
	}
	return r.added(body)
}

func getRealDebridStatus(status string) types.State {
	switch status {
	case "magnet_conversion", "queued", "waiting_files_selection":
		return types.StateQueued
	case "downloading", "compressing", "uploading":
		return types.StateDownloading
	case "downloaded":
		return types.StateReady
	default: // magnet_error, error, virus, dead
		return types.StateError
	}
}

func (r *RealDebrid) selectAllFiles(ctx context.Context, remoteID string) error {
	_, err := r.form(ctx, "/torrents/selectFiles/"+remoteID, gourl.Values{"files": {"all"}})
	return err
}

func (r *RealDebrid) PollStatus(ctx context.Context, remoteID string) (*types.Session, error) {
	body, err := r.do(ctx, http.MethodGet, "/torrents/info/"+remoteID, nil, "")
	if err != nil {
		return nil, err
	}
	var data TorrentInfo
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, types.Classify(r.Name, err)
	}

	session := &types.Session{
		Provider:  r.Name,
		RemoteID:  remoteID,
		State:     getRealDebridStatus(data.Status),
		TotalSize: cmp.Or(data.Bytes, data.OriginalBytes),
		Progress:  data.Progress,
	}

	switch session.State {
	case types.StateQueued:
		if data.Status == "waiting_files_selection" {
			if err := r.selectAllFiles(ctx, remoteID); err != nil {
				return nil, err
			}
		}
	case types.StateError:
		session.Error = data.Status
	case types.StateReady:
		files, err := r.unrestrictFiles(ctx, data)
		switch {
		case err == nil:
			session.Files = files
		case session.AwaitUnlock(err) == nil:
			r.logger.Warn().Err(err).Str("id", remoteID).Msg("Unlock failed, retrying on next poll")
		default:
			return nil, err
		}
	}
	return session.Normalize(), nil
}

// unrestrictFiles pairs selected files with links; RD returns one link per selected file, in order.
func (r *RealDebrid) unrestrictFiles(ctx context.Context, data TorrentInfo) ([]types.File, error) {
	selected := make([]torrentFile, 0, len(data.Files))
	for _, f := range data.Files {
		if f.Selected == 1 {
			selected = append(selected, f)
		}
	}

	files := make([]types.File, 0, len(data.Links))
	for i, link := range data.Links {
		dl, err := r.ResolveLink(ctx, link)
		if err != nil {
			return nil, fmt.Errorf("unrestricting link %d: %w", i, err)
		}
		file := types.File{DownloadURL: dl}
		if len(selected) == len(data.Links) {
			file.Path = strings.TrimPrefix(selected[i].Path, "/")
			file.Filename = path.Base(file.Path)
			file.Size = selected[i].Bytes
		} else {
			file.Filename = utils.FilenameFromURL(dl)
			file.Path = file.Filename
		}
		files = append(files, file)
	}
	return files, nil
}

func (r *RealDebrid) DeleteTorrent(ctx context.Context, remoteID string) error {
	if _, err := r.do(ctx, http.MethodDelete, "/torrents/delete/"+remoteID, nil, ""); err != nil {
		return err
	}
	r.logger.Info().Str("id", remoteID).Msg("Torrent deleted")
	return nil
}
