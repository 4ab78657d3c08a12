package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/booklend/internal/model"
	"github.com/hitoshi/booklend/internal/repository"
	"github.com/hitoshi/booklend/internal/security"
)

// maxResponseSize はディレクトリ応答の最大サイズ（64KB）。
const maxResponseSize = 64 * 1024

// memberResponse はディレクトリサービスの応答形式。
type memberResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Contact     string `json:"contact"`
}

// HTTPDirectory は外部のディレクトリサービスに GET {baseURL}/members/{id} で問い合わせるDirectory。
// 404は未登録、5xxと429と通信エラーはrepository.ErrTransientとして扱う。
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

// HTTPOption はHTTPDirectoryの設定を変更する。
type HTTPOption func(*HTTPDirectory)

// WithHTTPClient は使用するHTTPクライアントを差し替える。
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(d *HTTPDirectory) {
		d.client = c
	}
}

// NewHTTPDirectory はHTTPDirectoryを生成する。
// baseURLはSSRFガードで検証され、既定のクライアントはbaseURLのポートのみ接続を許可する。
func NewHTTPDirectory(baseURL string, timeout time.Duration, guard security.SSRFGuardService, opts ...HTTPOption) (*HTTPDirectory, error) {
	d := &HTTPDirectory{baseURL: strings.TrimRight(baseURL, "/")}
	for _, opt := range opts {
		opt(d)
	}

	if d.client == nil {
		if err := guard.ValidateURL(baseURL); err != nil {
			return nil, fmt.Errorf("invalid directory URL: %w", err)
		}
		port, err := security.PortOf(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid directory URL: %w", err)
		}
		d.client = guard.NewSafeClient(timeout, port)
	}
	return d, nil
}

// Resolve は利用者を取得する。見つからない場合は(nil, nil)を返す。
func (d *HTTPDirectory) Resolve(ctx context.Context, userID string) (*model.Member, error) {
	endpoint := d.baseURL + "/members/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("directory request failed: %w: %w", repository.ErrTransient, err)
		}
		return nil, fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("directory returned status %d: %w", resp.StatusCode, repository.ErrTransient)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("directory returned unexpected status %d", resp.StatusCode)
	}

	var body memberResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode directory response: %w", err)
	}
	if body.ID == "" {
		body.ID = userID
	}
	return &model.Member{
		ID:          body.ID,
		DisplayName: body.DisplayName,
		Contact:     body.Contact,
	}, nil
}
