package alldebrid

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
	"github.com/valyala/fastjson"
	"mime/multipart"
	"net/http"
	gourl "net/url"
	"path"
	"strconv"
	"strings"
)

const (
	Name        = "alldebrid"
	defaultHost = "https://api.alldebrid.com/v4"
)

var authErrors = map[string]struct{}{
	"AUTH_MISSING_APIKEY": {},
	"AUTH_BAD_APIKEY":     {},
	"AUTH_BLOCKED":        {},
	"AUTH_USER_BANNED":    {},
}

type AllDebrid struct {
	Name    string
	Host    string
	APIKey  string
	enabled bool
	client  *request.Client
	logger  zerolog.Logger
}

func New(dc config.Debrid, opts ...request.ClientOption) *AllDebrid {
	_log := logger.New(Name)
	options := []request.ClientOption{
		request.WithHeaders(map[string]string{
			"Authorization": fmt.Sprintf("Bearer %s", dc.APIKey),
		}),
		request.WithRateLimiter(request.ParseRateLimit(dc.RateLimit)),
		request.WithProxy(dc.Proxy),
		request.WithLogger(_log),
	}
	return &AllDebrid{
		Name:    Name,
		Host:    strings.TrimRight(cmp.Or(dc.Host, defaultHost), "/"),
		APIKey:  dc.APIKey,
		enabled: dc.IsEnabled(),
		client:  request.New(append(options, opts...)...),
		logger:  _log,
	}
}

func (ad *AllDebrid) GetName() string {
	return ad.Name
}

func (ad *AllDebrid) GetLogger() zerolog.Logger {
	return ad.logger
}

func (ad *AllDebrid) IsConfigured() bool {
	return ad.APIKey != ""
}

func (ad *AllDebrid) IsEnabled() bool {
	return ad.enabled && ad.IsConfigured()
}

func (ad *AllDebrid) SupportsTorrents() bool {
	return true
}

// do runs req and checks the {"status":"error"} envelope AllDebrid returns with HTTP 200.
func (ad *AllDebrid) do(req *http.Request) ([]byte, error) {
	if !ad.IsConfigured() {
		return nil, types.NewError(ad.Name, types.NotConfigured, "missing api key")
	}
	body, err := ad.client.MakeRequest(req)
	if apiErr := ad.checkEnvelope(body); apiErr != nil {
		return nil, apiErr
	}
	if err != nil {
		return nil, types.Classify(ad.Name, err)
	}
	return body, nil
}

func (ad *AllDebrid) checkEnvelope(body []byte) error {
	if len(body) == 0 {
		return nil
	}
	v, err := fastjson.ParseBytes(body)
	if err != nil {
		return nil
	}
	if string(v.GetStringBytes("status")) != "error" {
		return nil
	}
	code := string(v.GetStringBytes("error", "code"))
	message := cmp.Or(string(v.GetStringBytes("error", "message")), code)
	if _, ok := authErrors[code]; ok {
		return types.NewError(ad.Name, types.AuthFailure, "%s", message)
	}
	return types.NewError(ad.Name, types.RemoteRejected, "%s (%s)", message, code)
}

func (ad *AllDebrid) newRequest(ctx context.Context, method, endpoint string, query gourl.Values) (*http.Request, error) {
	u, err := request.JoinURL(ad.Host, endpoint)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return http.NewRequestWithContext(ctx, method, u, nil)
}

func (ad *AllDebrid) TestConnection(ctx context.Context) error {
	req, err := ad.newRequest(ctx, http.MethodGet, "/user", nil)
	if err != nil {
		return err
	}
	body, err := ad.do(req)
	if err != nil {
		return err
	}
	var res UserResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return types.Classify(ad.Name, err)
	}
	if !res.Data.User.IsPremium {
		return types.NewError(ad.Name, types.AuthFailure, "account %s is not premium", res.Data.User.Username)
	}
	return nil
}

func (ad *AllDebrid) ResolveLink(ctx context.Context, link string) (string, error) {
	req, err := ad.newRequest(ctx, http.MethodGet, "/link/unlock", gourl.Values{"link": {link}})
	if err != nil {
		return "", err
	}
	body, err := ad.do(req)
	if err != nil {
		return "", err
	}
	var data DownloadLink
	if err := json.Unmarshal(body, &data); err != nil {
		return "", types.Classify(ad.Name, err)
	}
	if data.Data.Link == "" {
		if data.Data.Delayed != 0 {
			return "", types.NewError(ad.Name, types.RemoteRejected, "link generation delayed (%d)", data.Data.Delayed)
		}
		return "", types.NewError(ad.Name, types.RemoteRejected, "empty link for %s", link)
	}
	return data.Data.Link, nil
}

// LinkInfos checks availability and filenames of several hoster links in one call.
func (ad *AllDebrid) LinkInfos(ctx context.Context, links []string) ([]LinkInfo, error) {
	form := gourl.Values{}
	for _, l := range links {
		form.Add("link[]", l)
	}
	u, err := request.JoinURL(ad.Host, "link", "infos")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	body, err := ad.do(req)
	if err != nil {
		return nil, err
	}
	var res LinkInfosResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, types.Classify(ad.Name, err)
	}
	return res.Data.Infos, nil
}

func (ad *AllDebrid) CheckLinks(ctx context.Context, links []string) ([]types.LinkStatus, error) {
	infos, err := ad.LinkInfos(ctx, links)
	if err != nil {
		return nil, err
	}
	out := make([]types.LinkStatus, 0, len(infos))
	for _, info := range infos {
		status := types.LinkStatus{
			Link:      info.Link,
			Filename:  info.Filename,
			Size:      info.Size,
			Host:      info.Host,
			Available: info.Available(),
		}
		if info.Error != nil {
			status.Error = info.Error.Message
		}
		out = append(out, status)
	}
	return out, nil
}

func (ad *AllDebrid) UploadMagnet(ctx context.Context, magnet string) (string, error) {
	req, err := ad.newRequest(ctx, http.MethodGet, "/magnet/upload", gourl.Values{"magnets[]": {magnet}})
	if err != nil {
		return "", err
	}
	body, err := ad.do(req)
	if err != nil {
		return "", err
	}
	var data UploadMagnetResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return "", types.Classify(ad.Name, err)
	}
	if len(data.Data.Magnets) == 0 {
		return "", types.NewError(ad.Name, types.RemoteRejected, "no magnet in upload response")
	}
	return ad.uploaded(data.Data.Magnets[0])
}

func (ad *AllDebrid) UploadTorrent(ctx context.Context, data []byte, filename string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("files[]", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	u, err := request.JoinURL(ad.Host, "magnet", "upload", "file")
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	body, err := ad.do(req)
	if err != nil {
		return "", err
	}
	var res UploadFileResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return "", types.Classify(ad.Name, err)
	}
	if len(res.Data.Files) == 0 {
		return "", types.NewError(ad.Name, types.RemoteRejected, "no file in upload response")
	}
	return ad.uploaded(res.Data.Files[0].uploadedMagnet)
}

func (ad *AllDebrid) uploaded(m uploadedMagnet) (string, error) {
	if m.Error != nil {
		return "", types.NewError(ad.Name, types.RemoteRejected, "%s (%s)", m.Error.Message, m.Error.Code)
	}
	if m.ID == 0 {
		return "", types.NewError(ad.Name, types.RemoteRejected, "upload returned no id")
	}
	ad.logger.Info().Str("hash", m.Hash).Str("name", m.Name).Bool("cached", m.Ready).Msg("Magnet uploaded")
	return strconv.Itoa(m.ID), nil
}

func getAlldebridStatus(statusCode int) types.State {
	switch {
	case statusCode == 0:
		return types.StateQueued
	case statusCode >= 1 && statusCode <= 3:
		return types.StateDownloading
	case statusCode == 4:
		return types.StateReady
	default:
		return types.StateError
	}
}

type flatFile struct {
	path string
	name string
	size int64
	link string
}

// flattenFiles walks the folder tree depth-first, keeping siblings in the order AllDebrid sent them.
func flattenFiles(roots []MagnetFile) []flatFile {
	type frame struct {
		node MagnetFile
		dir  string
	}
	stack := make([]frame, 0, len(roots))
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, frame{node: roots[i]})
	}

	var out []flatFile
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		current := top.node.Name
		if top.dir != "" {
			current = path.Join(top.dir, top.node.Name)
		}
		if top.node.Elements != nil {
			for i := len(top.node.Elements) - 1; i >= 0; i-- {
				stack = append(stack, frame{node: top.node.Elements[i], dir: current})
			}
			continue
		}
		out = append(out, flatFile{
			path: current,
			name: top.node.Name,
			size: top.node.Size,
			link: top.node.Link,
		})
	}
	return out
}

func (ad *AllDebrid) PollStatus(ctx context.Context, remoteID string) (*types.Session, error) {
	req, err := ad.newRequest(ctx, http.MethodGet, "/magnet/status", gourl.Values{"id": {remoteID}})
	if err != nil {
		return nil, err
	}
	body, err := ad.do(req)
	if err != nil {
		return nil, err
	}
	var res TorrentInfoResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, types.Classify(ad.Name, err)
	}
	m := res.Data.Magnets
	session := &types.Session{
		Provider:  ad.Name,
		RemoteID:  remoteID,
		State:     getAlldebridStatus(m.StatusCode),
		TotalSize: m.Size,
	}

	switch session.State {
	case types.StateDownloading:
		session.Progress = types.Percent(m.Downloaded, m.Size)
	case types.StateError:
		session.Error = cmp.Or(m.Status, fmt.Sprintf("status code %d", m.StatusCode))
	case types.StateReady:
		files, err := ad.unlockFiles(ctx, flattenFiles(m.Files))
		switch {
		case err == nil:
			session.Files = files
		case session.AwaitUnlock(err) == nil:
			ad.logger.Warn().Err(err).Str("id", remoteID).Msg("Unlock failed, retrying on next poll")
		default:
			return nil, err
		}
	}
	return session.Normalize(), nil
}

// unlockFiles turns the locked links of a finished magnet into direct URLs.
func (ad *AllDebrid) unlockFiles(ctx context.Context, flat []flatFile) ([]types.File, error) {
	files := make([]types.File, 0, len(flat))
	for _, f := range flat {
		link, err := ad.ResolveLink(ctx, f.link)
		if err != nil {
			return nil, fmt.Errorf("unlocking %s: %w", f.path, err)
		}
		files = append(files, types.File{
			DownloadURL: link,
			Filename:    f.name,
			Path:        f.path,
			Size:        f.size,
		})
	}
	return files, nil
}

func (ad *AllDebrid) DeleteTorrent(ctx context.Context, remoteID string) error {
	req, err := ad.newRequest(ctx, http.MethodGet, "/magnet/delete", gourl.Values{"id": {remoteID}})
	if err != nil {
		return err
	}
	if _, err := ad.do(req); err != nil {
		return err
	}
	ad.logger.Info().Str("id", remoteID).Msg("Magnet deleted")
	return nil
}
