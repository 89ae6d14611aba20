package security

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrAvatarUnavailable はアバター画像を取得できなかったことを表す。
var ErrAvatarUnavailable = errors.New("avatar unavailable")

// blockedNetworks はURLの静的検証でブロックするネットワーク範囲。
// 名前解決後のIPアドレスはsafeurlのDialerで検証する。
var blockedNetworks = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // クラウドメタデータ
		"0.0.0.0/8",
		"100.64.0.0/10",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %s: %v", cidr, err))
		}
		nets = append(nets, n)
	}
	return nets
}()

// Avatar は取得したアバター画像。
type Avatar struct {
	ContentType string
	Data        []byte
}

// AvatarFetcher はアバター画像をSSRF対策付きで取得する。
type AvatarFetcher struct {
	client  *http.Client
	maxSize int64
}

// NewAvatarFetcher はAvatarFetcherを生成する。
// httpsの443番ポートのみ許可し、プライベート・ループバック・リンクローカル宛ての接続はDialerで拒否する。
func NewAvatarFetcher(timeout time.Duration, maxSize int64) *AvatarFetcher {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()
	return &AvatarFetcher{
		client:  safeurl.Client(config).Client,
		maxSize: maxSize,
	}
}

// ValidateAvatarURL は名前解決を伴わない静的な検証を行う。
func ValidateAvatarURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("empty URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("disallowed scheme: %s", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if u.User != nil {
		return errors.New("credentials in URL are not allowed")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, n := range blockedNetworks {
			if n.Contains(ip) {
				return fmt.Errorf("blocked IP address: %s", ip)
			}
		}
		return nil
	}
	if h := strings.ToLower(host); h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

// Fetch はアバター画像を取得する。画像以外のContent-Typeや上限を超えるサイズは拒否する。
func (f *AvatarFetcher) Fetch(ctx context.Context, rawURL string) (*Avatar, error) {
	if err := ValidateAvatarURL(rawURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAvatarUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAvatarUnavailable, err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAvatarUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: upstream status %d", ErrAvatarUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAvatarUnavailable, err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, fmt.Errorf("%w: image exceeds %d bytes", ErrAvatarUnavailable, f.maxSize)
	}

	// 宣言されたContent-Typeではなく内容から判定する
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("%w: not an image (%s)", ErrAvatarUnavailable, contentType)
	}
	return &Avatar{ContentType: contentType, Data: data}, nil
}
