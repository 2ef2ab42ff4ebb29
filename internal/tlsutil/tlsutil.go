package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

// aeadSuites 仅 TLS 1.2 生效，TLS 1.3 的套件固定且均为 AEAD
var aeadSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// Options 描述存储后端等出站连接的 TLS 设置
type Options struct {
	// CAFile PEM 格式的私有 CA，为空时使用系统根证书
	CAFile string `json:"ca_file" yaml:"ca_file"`
	// ServerName 覆盖 SNI 与证书校验使用的主机名
	ServerName string `json:"server_name" yaml:"server_name"`
	// InsecureSkipVerify 仅用于本地开发
	InsecureSkipVerify bool `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// ServerConfig 返回 HTTPS 监听使用的配置：TLS 1.2 起步，仅 AEAD 套件。
func ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: append([]uint16(nil), aeadSuites...),
	}
}

// ClientConfig 按 Options 构建客户端配置，CA 文件不可读或不含证书时返回错误。
func ClientConfig(opts Options) (*tls.Config, error) {
	cfg := ServerConfig()
	cfg.ServerName = opts.ServerName
	cfg.InsecureSkipVerify = opts.InsecureSkipVerify //nolint:gosec // opt-in for local development
	if opts.CAFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(opts.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", opts.CAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// HTTPClient 返回带超时的客户端；tlsCfg 为 nil 时使用加固的默认配置。
func HTTPClient(timeout time.Duration, tlsCfg *tls.Config) *http.Client {
	if tlsCfg == nil {
		tlsCfg = ServerConfig()
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsCfg,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}
