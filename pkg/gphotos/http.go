package gphotos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const defaultBaseURL = "https://photoslibrary.googleapis.com/v1"

// googleEndpoint 是 Google OAuth2 的授权端点
var googleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// OAuthScopes 上传所需的授权范围
var OAuthScopes = []string{
	"https://www.googleapis.com/auth/photoslibrary",
	"https://www.googleapis.com/auth/photoslibrary.sharing",
}

// HTTPClientConfig 配置真实的 Google Photos 传输层
type HTTPClientConfig struct {
	ClientID     string
	ClientSecret string
	// TokenFile 缓存 OAuth2 token 的本地路径
	TokenFile string
	// BaseURL 便于测试替换，默认官方端点
	BaseURL string
	// Timeout 单次远端调用超时
	Timeout time.Duration
}

// NewOAuthConfig 构造标准的 OAuth2 配置
func NewOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     googleEndpoint,
		Scopes:       OAuthScopes,
		RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
	}
}

// HTTPClient 通过 Google Photos Library API 实现 Client 接口
type HTTPClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// NewHTTPClient 用缓存的 token 构造传输层；token 文件不存在时报错，
// 获取授权码属于前端职责，不在此层处理。
func NewHTTPClient(ctx context.Context, cfg HTTPClientConfig) (*HTTPClient, error) {
	oauthCfg := NewOAuthConfig(cfg.ClientID, cfg.ClientSecret)
	token, err := loadToken(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("读取 OAuth2 token 失败: %w", err)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    oauth2.NewClient(ctx, oauthCfg.TokenSource(ctx, token)),
		timeout: timeout,
	}, nil
}

// SaveToken 把交换得到的 token 写入缓存文件
func SaveToken(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

type albumPayload struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	ProductURL     string `json:"productUrl"`
	MediaItemCount string `json:"mediaItemsCount"`
}

func (a albumPayload) toCloudAlbum() CloudAlbum {
	var count int64
	fmt.Sscanf(a.MediaItemCount, "%d", &count)
	return CloudAlbum{
		ID:             a.ID,
		Title:          a.Title,
		MediaItemCount: count,
		URL:            a.ProductURL,
	}
}

func (c *HTTPClient) CreateAlbum(ctx context.Context, title string) (CloudAlbum, error) {
	var resp albumPayload
	body := map[string]any{"album": map[string]string{"title": title}}
	if err := c.doJSON(ctx, OpCreateAlbum, http.MethodPost, "/albums", body, &resp); err != nil {
		return CloudAlbum{}, err
	}
	return resp.toCloudAlbum(), nil
}

func (c *HTTPClient) ListAlbums(ctx context.Context) ([]CloudAlbum, error) {
	var albums []CloudAlbum
	pageToken := ""
	for {
		var resp struct {
			Albums        []albumPayload `json:"albums"`
			NextPageToken string         `json:"nextPageToken"`
		}
		path := "/albums?pageSize=50&excludeNonAppCreatedData=false"
		if pageToken != "" {
			path += "&pageToken=" + pageToken
		}
		if err := c.doJSON(ctx, OpListAlbums, http.MethodGet, path, nil, &resp); err != nil {
			return nil, err
		}
		for _, a := range resp.Albums {
			albums = append(albums, a.toCloudAlbum())
		}
		if resp.NextPageToken == "" {
			return albums, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (c *HTTPClient) UploadMediaData(ctx context.Context, path string) (UploadToken, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", Classify(OpUploadMediaData, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/uploads", bytes.NewReader(data))
	if err != nil {
		return "", Classify(OpUploadMediaData, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Goog-Upload-File-Name", filepath.Base(path))
	req.Header.Set("X-Goog-Upload-Protocol", "raw")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", Classify(OpUploadMediaData, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Classify(OpUploadMediaData, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(OpUploadMediaData, resp.StatusCode, string(raw))
	}
	return UploadToken(raw), nil
}

func (c *HTTPClient) CreateMediaItem(ctx context.Context, albumID string, token UploadToken, description string) (MediaItem, error) {
	body := map[string]any{
		"newMediaItems": []map[string]any{{
			"description":     description,
			"simpleMediaItem": map[string]string{"uploadToken": string(token)},
		}},
	}
	if albumID != "" {
		body["albumId"] = albumID
	}
	var resp struct {
		NewMediaItemResults []struct {
			Status struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"status"`
			MediaItem struct {
				ID          string `json:"id"`
				Description string `json:"description"`
			} `json:"mediaItem"`
		} `json:"newMediaItemResults"`
	}
	if err := c.doJSON(ctx, OpCreateMediaItem, http.MethodPost, "/mediaItems:batchCreate", body, &resp); err != nil {
		return MediaItem{}, err
	}
	if len(resp.NewMediaItemResults) != 1 {
		return MediaItem{}, NewAPIError(CodeFatal, OpCreateMediaItem, "结果条目数不为 1")
	}
	result := resp.NewMediaItemResults[0]
	if result.MediaItem.ID == "" {
		return MediaItem{}, classifyStatus(OpCreateMediaItem, http.StatusBadRequest, result.Status.Message)
	}
	return MediaItem{
		ID:          result.MediaItem.ID,
		Description: result.MediaItem.Description,
		AlbumID:     albumID,
	}, nil
}

func (c *HTTPClient) BatchAddToAlbum(ctx context.Context, albumID string, mediaItemIDs []string) error {
	if len(mediaItemIDs) > MaxItemsPerBatch {
		return NewAPIError(CodeInvalidArgument, OpBatchAdd, fmt.Sprintf("单批条目数超限: %d", len(mediaItemIDs)))
	}
	body := map[string]any{"mediaItemIds": mediaItemIDs}
	path := fmt.Sprintf("/albums/%s:batchAddMediaItems", albumID)
	return c.doJSON(ctx, OpBatchAdd, http.MethodPost, path, body, nil)
}

func (c *HTTPClient) ListAlbumItems(ctx context.Context, albumID string) ([]MediaItem, error) {
	var items []MediaItem
	pageToken := ""
	for {
		body := map[string]any{"albumId": albumID, "pageSize": 100}
		if pageToken != "" {
			body["pageToken"] = pageToken
		}
		var resp struct {
			MediaItems []struct {
				ID          string `json:"id"`
				Description string `json:"description"`
			} `json:"mediaItems"`
			NextPageToken string `json:"nextPageToken"`
		}
		if err := c.doJSON(ctx, OpListAlbumItems, http.MethodPost, "/mediaItems:search", body, &resp); err != nil {
			return nil, err
		}
		for _, item := range resp.MediaItems {
			items = append(items, MediaItem{ID: item.ID, Description: item.Description, AlbumID: albumID})
		}
		if resp.NextPageToken == "" {
			return items, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (c *HTTPClient) doJSON(ctx context.Context, op Op, method, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Classify(op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Classify(op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Classify(op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Classify(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return classifyStatus(op, resp.StatusCode, extractErrorMessage(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return Classify(op, err)
	}
	return nil
}

// classifyStatus 把 HTTP 状态码翻译为错误种类，分类只看状态不看消息文本；
// 相册权限是唯一的例外，API 用同一个 400 表达两种语义，只能靠 reason 区分。
func classifyStatus(op Op, status int, message string) *APIError {
	switch {
	case status == http.StatusTooManyRequests:
		return NewAPIError(CodeTransient, op, message)
	case status >= 500:
		return NewAPIError(CodeTransient, op, message)
	case status == http.StatusBadRequest:
		if strings.Contains(message, "No permission to add media items") {
			return NewAPIError(CodeNoAlbumPermission, op, message)
		}
		return NewAPIError(CodeInvalidArgument, op, message)
	default:
		return NewAPIError(CodeFatal, op, fmt.Sprintf("HTTP %d: %s", status, message))
	}
}

func extractErrorMessage(raw []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
