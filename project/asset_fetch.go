package project

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
)

// `%s` is replaced by `<md5>.<ext>`
const ScratchAssetUrlTemplate = "https://assets.scratch.mit.edu/internalapi/asset/%s/get/"

type AssetFetcherSettings struct {
	UrlTemplate      string
	Timeout          time.Duration
	ConnectTimeout   time.Duration
	TlsTimeout       time.Duration
	MaxAssetByteSize int64
}

func DefaultAssetFetcherSettings() *AssetFetcherSettings {
	return &AssetFetcherSettings{
		UrlTemplate:      ScratchAssetUrlTemplate,
		Timeout:          30 * time.Second,
		ConnectTimeout:   5 * time.Second,
		TlsTimeout:       5 * time.Second,
		MaxAssetByteSize: 64 * 1024 * 1024,
	}
}

// Downloads asset bodies for projects loaded from plain json.
type AssetFetcher struct {
	settings *AssetFetcherSettings
	client   *http.Client
}

func NewAssetFetcherWithDefaults() *AssetFetcher {
	return NewAssetFetcher(DefaultAssetFetcherSettings())
}

func NewAssetFetcher(settings *AssetFetcherSettings) *AssetFetcher {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.ConnectTimeout,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.TlsTimeout,
	}
	return &AssetFetcher{
		settings: settings,
		client: &http.Client{
			Transport: transport,
			Timeout:   settings.Timeout,
		},
	}
}

func (self *AssetFetcher) AssetUrl(filename string) string {
	return strings.Replace(self.settings.UrlTemplate, "%s", filename, 1)
}

func (self *AssetFetcher) ReadAsset(ctx context.Context, filename string) ([]byte, error) {
	assetUrl := self.AssetUrl(filename)
	glog.V(1).Infof("[p]fetch %s\n", assetUrl)

	req, err := http.NewRequestWithContext(ctx, "GET", assetUrl, nil)
	if err != nil {
		return nil, err
	}
	r, err := self.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	if r.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w Asset %s.", ErrNotFound, filename)
	}
	if r.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Fetch asset %s: %s", filename, r.Status)
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, self.settings.MaxAssetByteSize+1))
	if err != nil {
		return nil, err
	}
	if self.settings.MaxAssetByteSize < int64(len(data)) {
		return nil, fmt.Errorf("%w Asset %s is larger than %d bytes.", ErrInvalidAsset, filename, self.settings.MaxAssetByteSize)
	}
	return data, nil
}
