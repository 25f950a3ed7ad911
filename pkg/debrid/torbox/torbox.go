package torbox

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"github.com/darkiworld/debrid-blackhole/internal/config"
	"github.com/darkiworld/debrid-blackhole/internal/logger"
	"github.com/darkiworld/debrid-blackhole/internal/request"
	"github.com/darkiworld/debrid-blackhole/pkg/debrid/types"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/valyala/fastjson"
	"mime/multipart"
	"net/http"
	gourl "net/url"
	"path"
	"slices"
	"strconv"
	"strings"
)

const (
	Name        = "torbox"
	defaultHost = "https://api.torbox.app/v1"
)

var (
	queuedStates = []string{"queued", "queuedDL", "metaDL", "checkingDL", "checkingResumeData", "allocating"}
	activeStates = []string{"downloading", "forcedDL", "pausedDL", "paused", "uploading", "moving",
		"completed", "cached", "pausedUP", "queuedUP", "checkingUP", "forcedUP", "stalledUP"}
	authCodes = []string{"BAD_TOKEN", "AUTH_ERROR", "NO_AUTH", "PLAN_RESTRICTED_FEATURE"}
)

type Torbox struct {
	Name    string
	Host    string
	APIKey  string
	enabled bool
	client  *request.Client
	logger  zerolog.Logger
}

func New(dc config.Debrid, opts ...request.ClientOption) *Torbox {
	_log := logger.New(Name)
	options := []request.ClientOption{
		request.WithHeaders(map[string]string{
			"Authorization": fmt.Sprintf("Bearer %s", dc.APIKey),
		}),
		request.WithRateLimiter(request.ParseRateLimit(dc.RateLimit)),
		request.WithProxy(dc.Proxy),
		request.WithLogger(_log),
	}
	return &Torbox{
		Name:    Name,
		Host:    strings.TrimRight(cmp.Or(dc.Host, defaultHost), "/"),
		APIKey:  dc.APIKey,
		enabled: dc.IsEnabled(),
		client:  request.New(append(options, opts...)...),
		logger:  _log,
	}
}

func (tb *Torbox) GetName() string {
	return tb.Name
}

func (tb *Torbox) GetLogger() zerolog.Logger {
	return tb.logger
}

func (tb *Torbox) IsConfigured() bool {
	return tb.APIKey != ""
}

func (tb *Torbox) IsEnabled() bool {
	return tb.enabled && tb.IsConfigured()
}

func (tb *Torbox) SupportsTorrents() bool {
	return true
}

// apiError decodes {"success":false,"error":...,"detail":...}. error may be a
// string code, an object with a code, or null.
func (tb *Torbox) apiError(body []byte) error {
	if len(body) == 0 {
		return nil
	}
	v, err := fastjson.ParseBytes(body)
	if err != nil || v.GetBool("success") {
		return nil
	}
	var code string
	if e := v.Get("error"); e != nil {
		switch e.Type() {
		case fastjson.TypeString:
			code = string(e.GetStringBytes())
		case fastjson.TypeObject:
			code = string(e.GetStringBytes("code"))
		}
	}
	detail := cmp.Or(string(v.GetStringBytes("detail")), code, "request failed")
	if slices.Contains(authCodes, code) {
		return types.NewError(tb.Name, types.AuthFailure, "%s", detail)
	}
	if code != "" {
		return types.NewError(tb.Name, types.RemoteRejected, "%s (%s)", detail, code)
	}
	return types.NewError(tb.Name, types.RemoteRejected, "%s", detail)
}

func (tb *Torbox) do(req *http.Request) ([]byte, error) {
	if !tb.IsConfigured() {
		return nil, types.NewError(tb.Name, types.NotConfigured, "missing api key")
	}
	body, err := tb.client.MakeRequest(req)
	if err != nil {
		var httpErr *request.HTTPError
		if errors.As(err, &httpErr) && httpErr.IsAuth() {
			return nil, types.Classify(tb.Name, err)
		}
		if apiErr := tb.apiError(body); apiErr != nil {
			return nil, apiErr
		}
		return nil, types.Classify(tb.Name, err)
	}
	if apiErr := tb.apiError(body); apiErr != nil {
		return nil, apiErr
	}
	return body, nil
}

func (tb *Torbox) get(ctx context.Context, endpoint string, query gourl.Values) ([]byte, error) {
	u, err := request.JoinURL(tb.Host, endpoint)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return tb.do(req)
}

func (tb *Torbox) TestConnection(ctx context.Context) error {
	body, err := tb.get(ctx, "/api/user/me", nil)
	if err != nil {
		return err
	}
	var res UserResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return types.Classify(tb.Name, err)
	}
	if res.Data == nil {
		return types.NewError(tb.Name, types.AuthFailure, "no user returned")
	}
	return nil
}

// ResolveLink is not offered: TorBox has no hoster unrestriction.
func (tb *Torbox) ResolveLink(ctx context.Context, link string) (string, error) {
	return "", types.NewError(tb.Name, types.RemoteRejected, "link unrestriction not supported")
}

func (tb *Torbox) create(ctx context.Context, write func(w *multipart.Writer) error) (string, error) {
	payload := &bytes.Buffer{}
	writer := multipart.NewWriter(payload)
	if err := write(writer); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	u, err := request.JoinURL(tb.Host, "api", "torrents", "createtorrent")
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, payload)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	body, err := tb.do(req)
	if err != nil {
		return "", err
	}
	var data AddMagnetResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return "", types.Classify(tb.Name, err)
	}
	if data.Data == nil || data.Data.Id == 0 {
		return "", types.NewError(tb.Name, types.RemoteRejected, "error adding torrent")
	}
	tb.logger.Info().Str("hash", data.Data.Hash).Int("id", data.Data.Id).Msg("Torrent created")
	return strconv.Itoa(data.Data.Id), nil
}

func (tb *Torbox) UploadMagnet(ctx context.Context, magnet string) (string, error) {
	return tb.create(ctx, func(w *multipart.Writer) error {
		return w.WriteField("magnet", magnet)
	})
}

func (tb *Torbox) UploadTorrent(ctx context.Context, data []byte, filename string) (string, error) {
	return tb.create(ctx, func(w *multipart.Writer) error {
		part, err := w.CreateFormFile("file", filename)
		if err != nil {
			return err
		}
		_, err = part.Write(data)
		return err
	})
}

func getTorboxStatus(state string, finished bool) types.State {
	switch {
	case finished:
		return types.StateReady
	case slices.Contains(queuedStates, state):
		return types.StateQueued
	case slices.Contains(activeStates, state):
		return types.StateDownloading
	default: // error, stalled (no seeds), failed
		return types.StateError
	}
}

func (tb *Torbox) PollStatus(ctx context.Context, remoteID string) (*types.Session, error) {
	body, err := tb.get(ctx, "/api/torrents/mylist", gourl.Values{"id": {remoteID}, "bypass_cache": {"true"}})
	if err != nil {
		return nil, err
	}
	var res InfoResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, types.Classify(tb.Name, err)
	}
	if res.Data == nil {
		return nil, types.NewError(tb.Name, types.RemoteRejected, "torrent %s not found", remoteID)
	}
	data := res.Data
	session := &types.Session{
		Provider:  tb.Name,
		RemoteID:  remoteID,
		State:     getTorboxStatus(data.DownloadState, data.DownloadFinished && data.DownloadPresent),
		TotalSize: data.Size,
	}

	switch session.State {
	case types.StateDownloading:
		if data.TotalDownloaded > 0 && data.Size > 0 {
			session.Progress = types.Percent(data.TotalDownloaded, data.Size)
		} else {
			session.Progress = data.Progress * 100
		}
	case types.StateError:
		session.Error = cmp.Or(data.DownloadState, "unknown state")
	case types.StateReady:
		files, err := tb.downloadLinks(ctx, remoteID, data.Files)
		switch {
		case err == nil:
			session.Files = files
		case session.AwaitUnlock(err) == nil:
			tb.logger.Warn().Err(err).Str("id", remoteID).Msg("Unlock failed, retrying on next poll")
		default:
			return nil, err
		}
	}
	return session.Normalize(), nil
}

// relativePath strips the torrent folder TorBox prefixes to every file name.
func relativePath(name string) string {
	clean := path.Clean(strings.TrimPrefix(name, "/"))
	if _, rest, ok := strings.Cut(clean, "/"); ok {
		return rest
	}
	return clean
}

func (tb *Torbox) downloadLinks(ctx context.Context, remoteID string, files []torrentFile) ([]types.File, error) {
	out := make([]types.File, 0, len(files))
	for _, f := range files {
		body, err := tb.get(ctx, "/api/torrents/requestdl", gourl.Values{
			"token":      {tb.APIKey},
			"torrent_id": {remoteID},
			"file_id":    {strconv.Itoa(f.Id)},
		})
		if err != nil {
			return nil, fmt.Errorf("requesting link for %s: %w", f.Name, err)
		}
		var data DownloadLinksResponse
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, types.Classify(tb.Name, err)
		}
		if data.Data == nil || *data.Data == "" {
			return nil, types.NewError(tb.Name, types.RemoteRejected, "no link for file %d", f.Id)
		}
		rel := relativePath(f.Name)
		out = append(out, types.File{
			DownloadURL: *data.Data,
			Filename:    cmp.Or(f.ShortName, path.Base(rel)),
			Path:        rel,
			Size:        f.Size,
		})
	}
	return out, nil
}

func (tb *Torbox) DeleteTorrent(ctx context.Context, remoteID string) error {
	id, err := strconv.Atoi(remoteID)
	if err != nil {
		return fmt.Errorf("invalid torbox id %q: %w", remoteID, err)
	}
	payload, _ := json.Marshal(map[string]any{"torrent_id": id, "operation": "delete"})
	u, err := request.JoinURL(tb.Host, "api", "torrents", "controltorrent")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if _, err := tb.do(req); err != nil {
		return err
	}
	tb.logger.Info().Str("id", remoteID).Msg("Torrent deleted")
	return nil
}
