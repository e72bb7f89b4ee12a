package util

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	nhttp "github.com/chaos-io/sinfondo/util/http"
)

var ErrEmptySource = errors.New("empty image source")

// IsRemote reports whether src is an http(s) URL.
func IsRemote(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// LoadSource 读取本地文件或下载远程图片, 返回原始文件名和内容
func LoadSource(ctx context.Context, cli nhttp.IClient, src string) (string, []byte, error) {
	if strings.TrimSpace(src) == "" {
		return "", nil, ErrEmptySource
	}
	if IsRemote(src) {
		return DownloadImage(ctx, cli, src)
	}
	return OpenImage(src)
}

// DownloadImage 下载图片
func DownloadImage(ctx context.Context, cli nhttp.IClient, rawURL string) (string, []byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, fmt.Errorf("invalid image url %q: %w", rawURL, err)
	}

	var data []byte
	err = cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: rawURL,
		Method:     http.MethodGet,
		Response:   &data,
	})
	if err != nil {
		return "", nil, fmt.Errorf("download %s: %w", rawURL, err)
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" {
		name = ""
	}
	return name, data, nil
}

// OpenImage 打开本地图片
func OpenImage(p string) (string, []byte, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return "", nil, err
	}
	return filepath.Base(p), data, nil
}

// Trace logs how long the enclosing call took: defer util.Trace("step")()
func Trace(msg string) func() {
	start := time.Now()
	return func() {
		zap.L().Debug(msg, zap.Duration("elapsed", time.Since(start)))
	}
}
