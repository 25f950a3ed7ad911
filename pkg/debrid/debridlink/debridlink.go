package debridlink

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"github.com/darkiworld/debrid-blackhole/internal/config"
	"github.com/darkiworld/debrid-blackhole/internal/logger"
	"github.com/darkiworld/debrid-blackhole/internal/request"
	"github.com/darkiworld/debrid-blackhole/pkg/debrid/types"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"io"
	"mime/multipart"
	"net/http"
	gourl "net/url"
	"path"
	"slices"
	"strings"
)

const (
	Name        = "debridlink"
	defaultHost = "https://debrid-link.com/api/v2"

	statusFinished = 100
)

var authErrors = []string{"badToken", "expiredToken", "hidedToken", "notPremium", "notDebrid"}

type DebridLink struct {
	Name    string
	Host    string
	APIKey  string
	enabled bool
	client  *request.Client
	logger  zerolog.Logger
}

func New(dc config.Debrid, opts ...request.ClientOption) *DebridLink {
	_log := logger.New(Name)
	options := []request.ClientOption{
		request.WithHeaders(map[string]string{
			"Authorization": fmt.Sprintf("Bearer %s", dc.APIKey),
		}),
		request.WithRateLimiter(request.ParseRateLimit(dc.RateLimit)),
		request.WithProxy(dc.Proxy),
		request.WithLogger(_log),
	}
	return &DebridLink{
		Name:    Name,
		Host:    strings.TrimRight(cmp.Or(dc.Host, defaultHost), "/"),
		APIKey:  dc.APIKey,
		enabled: dc.IsEnabled(),
		client:  request.New(append(options, opts...)...),
		logger:  _log,
	}
}

func (dl *DebridLink) GetName() string {
	return dl.Name
}

func (dl *DebridLink) GetLogger() zerolog.Logger {
	return dl.logger
}

func (dl *DebridLink) IsConfigured() bool {
	return dl.APIKey != ""
}

func (dl *DebridLink) IsEnabled() bool {
	return dl.enabled && dl.IsConfigured()
}

func (dl *DebridLink) SupportsTorrents() bool {
	return true
}

// do sends the request and maps {"success":false,"error":"code"} answers.
func (dl *DebridLink) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string) ([]byte, error) {
	if !dl.IsConfigured() {
		return nil, types.NewError(dl.Name, types.NotConfigured, "missing api key")
	}
	u, err := request.JoinURL(dl.Host, endpoint)
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
	resp, reqErr := dl.client.MakeRequest(req)

	var envelope APIResponse[json.RawMessage]
	if len(resp) > 0 && json.Unmarshal(resp, &envelope) == nil && !envelope.Success && envelope.Error != "" {
		if slices.Contains(authErrors, envelope.Error) {
			return nil, types.NewError(dl.Name, types.AuthFailure, "%s", envelope.Error)
		}
		return nil, types.NewError(dl.Name, types.RemoteRejected, "%s", envelope.Error)
	}
	if reqErr != nil {
		return nil, types.Classify(dl.Name, reqErr)
	}
	return resp, nil
}

func (dl *DebridLink) postJSON(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return dl.do(ctx, http.MethodPost, endpoint, bytes.NewReader(data), "application/json")
}

func (dl *DebridLink) TestConnection(ctx context.Context) error {
	body, err := dl.do(ctx, http.MethodGet, "/account/infos", nil, "")
	if err != nil {
		return err
	}
	var res AccountResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return types.Classify(dl.Name, err)
	}
	if res.Value == nil {
		return types.NewError(dl.Name, types.AuthFailure, "no account returned")
	}
	if res.Value.AccountType == 0 && res.Value.PremiumLeft <= 0 {
		return types.NewError(dl.Name, types.AuthFailure, "account %s is not premium", res.Value.Username)
	}
	return nil
}

func (dl *DebridLink) ResolveLink(ctx context.Context, link string) (string, error) {
	body, err := dl.postJSON(ctx, "/downloader/add", map[string]string{"url": link})
	if err != nil {
		return "", err
	}
	var res DownloaderResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return "", types.Classify(dl.Name, err)
	}
	if res.Value == nil || res.Value.DownloadURL == "" {
		return "", types.NewError(dl.Name, types.RemoteRejected, "no download link for %s", link)
	}
	return res.Value.DownloadURL, nil
}

func (dl *DebridLink) submitted(body []byte) (string, error) {
	var res SubmitTorrentResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return "", types.Classify(dl.Name, err)
	}
	if res.Value == nil || res.Value.ID == "" {
		return "", types.NewError(dl.Name, types.RemoteRejected, "seedbox returned no id")
	}
	dl.logger.Info().Str("id", res.Value.ID).Str("hash", res.Value.HashString).Msg("Torrent added to seedbox")
	return res.Value.ID, nil
}

func (dl *DebridLink) UploadMagnet(ctx context.Context, magnet string) (string, error) {
	body, err := dl.postJSON(ctx, "/seedbox/add", map[string]any{"url": magnet, "async": true})
	if err != nil {
		return "", err
	}
	return dl.submitted(body)
}

func (dl *DebridLink) UploadTorrent(ctx context.Context, data []byte, filename string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	body, err := dl.do(ctx, http.MethodPost, "/seedbox/add", &buf, w.FormDataContentType())
	if err != nil {
		return "", err
	}
	return dl.submitted(body)
}

func getDebridLinkStatus(t seedboxTorrent) types.State {
	switch {
	case t.Status < 0:
		return types.StateError
	case t.Status == statusFinished || t.DownloadPercent >= 100:
		return types.StateReady
	case t.Wait:
		return types.StateQueued
	default:
		return types.StateDownloading
	}
}

func (dl *DebridLink) PollStatus(ctx context.Context, remoteID string) (*types.Session, error) {
	query := gourl.Values{"ids": {remoteID}}
	body, err := dl.do(ctx, http.MethodGet, "/seedbox/list?"+query.Encode(), nil, "")
	if err != nil {
		return nil, err
	}
	var res TorrentListResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, types.Classify(dl.Name, err)
	}
	if res.Value == nil || len(*res.Value) == 0 {
		return nil, types.NewError(dl.Name, types.RemoteRejected, "torrent %s not found", remoteID)
	}
	data := (*res.Value)[0]
	session := &types.Session{
		Provider:  dl.Name,
		RemoteID:  remoteID,
		State:     getDebridLinkStatus(data),
		TotalSize: data.TotalSize,
		Progress:  data.DownloadPercent,
	}
	switch session.State {
	case types.StateError:
		session.Error = fmt.Sprintf("seedbox status %d", data.Status)
	case types.StateReady:
		files := make([]types.File, 0, len(data.Files))
		for _, f := range data.Files {
			if f.DownloadURL == "" {
				return nil, types.NewError(dl.Name, types.RemoteRejected, "file %s has no download url", f.Name)
			}
			files = append(files, types.File{
				DownloadURL: f.DownloadURL,
				Filename:    path.Base(f.Name),
				Path:        strings.TrimPrefix(f.Name, "/"),
				Size:        f.Size,
			})
		}
		session.Files = files
	}
	return session.Normalize(), nil
}

func (dl *DebridLink) DeleteTorrent(ctx context.Context, remoteID string) error {
	if _, err := dl.do(ctx, http.MethodDelete, "/seedbox/"+gourl.PathEscape(remoteID)+"/remove", nil, ""); err != nil {
		return err
	}
	dl.logger.Info().Str("id", remoteID).Msg("Torrent removed from seedbox")
	return nil
}
