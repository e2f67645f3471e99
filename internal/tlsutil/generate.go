// Package tlsutil 内网部署的自签名证书
//
// API Server 启用 tls 且未提供证书时，在 cert_dir 下生成一套自签名 CA 与服务端证书；
// Worker 通过 --ca-file 信任该 CA。
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultCertDir 默认证书目录
const DefaultCertDir = "/etc/agents-dispatch/certs"

const (
	defaultOrganization = "Agents Dispatch"
	defaultValidFor     = 365 * 24 * time.Hour
	caValidFor          = 10 * 365 * 24 * time.Hour
)

// CertFiles 证书文件路径
type CertFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// FilesIn 返回目录下的标准文件名
func FilesIn(dir string) CertFiles {
	if dir == "" {
		dir = DefaultCertDir
	}
	return CertFiles{
		CAFile:   filepath.Join(dir, "ca.pem"),
		CertFile: filepath.Join(dir, "server.pem"),
		KeyFile:  filepath.Join(dir, "server-key.pem"),
	}
}

// Exist 三个文件是否都存在
func (c CertFiles) Exist() bool {
	for _, f := range []string{c.CAFile, c.CertFile, c.KeyFile} {
		if _, err := os.Stat(f); err != nil {
			return false
		}
	}
	return true
}

// Options 证书生成选项
type Options struct {
	// Hosts 额外的 SAN（IP 或域名），localhost、本机名与本机 IP 总是包含
	Hosts []string

	Organization string
	ValidFor     time.Duration
	Dir          string

	// Force 覆盖已有证书
	Force bool
}

func (o *Options) withDefaults() {
	if o.Dir == "" {
		o.Dir = DefaultCertDir
	}
	if o.Organization == "" {
		o.Organization = defaultOrganization
	}
	if o.ValidFor <= 0 {
		o.ValidFor = defaultValidFor
	}
}

// Ensure 证书已存在则直接返回路径，否则生成
func Ensure(opts Options, logger *zap.Logger) (CertFiles, error) {
	opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	files := FilesIn(opts.Dir)
	if !opts.Force && files.Exist() {
		logger.Info("tls.certs.reused", zap.String("dir", opts.Dir))
		return files, nil
	}
	sans, err := Generate(opts)
	if err != nil {
		return CertFiles{}, err
	}
	logger.Info("tls.certs.generated",
		zap.String("ca_file", files.CAFile),
		zap.String("cert_file", files.CertFile),
		zap.Strings("sans", sans),
		zap.Duration("valid_for", opts.ValidFor))
	return files, nil
}

// Generate 生成 CA 与由其签发的服务端证书，返回证书包含的 SAN
func Generate(opts Options) ([]string, error) {
	opts.withDefaults()
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cert dir: %w", err)
	}

	caKey, caCert, caDER, err := newCA(opts.Organization)
	if err != nil {
		return nil, err
	}

	sans := collectSANs(opts.Hosts)
	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject: pkix.Name{
			Organization: []string{opts.Organization},
			CommonName:   opts.Organization + " API Server",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range sans {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	serverDER, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &serverKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create server cert: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(serverKey)
	if err != nil {
		return nil, fmt.Errorf("marshal server key: %w", err)
	}

	files := FilesIn(opts.Dir)
	if err := writePEM(files.CAFile, "CERTIFICATE", caDER, 0o644); err != nil {
		return nil, fmt.Errorf("write CA cert: %w", err)
	}
	if err := writePEM(files.CertFile, "CERTIFICATE", serverDER, 0o644); err != nil {
		return nil, fmt.Errorf("write server cert: %w", err)
	}
	// 私钥只允许属主读写
	if err := writePEM(files.KeyFile, "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return nil, fmt.Errorf("write server key: %w", err)
	}
	return sans, nil
}

func newCA(org string) (*ecdsa.PrivateKey, *x509.Certificate, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate CA key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject: pkix.Name{
			Organization: []string{org},
			CommonName:   org + " CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(caValidFor),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create CA cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse CA cert: %w", err)
	}
	return key, cert, der, nil
}

func randomSerial() *big.Int {
	n, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	return n
}

// collectSANs 去重合并：localhost、用户指定、本机名、本机非回环 IP
func collectSANs(extra []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(h string) {
		h = strings.TrimSpace(h)
		if h != "" && !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	for _, h := range []string{"localhost", "127.0.0.1", "::1"} {
		add(h)
	}
	for _, h := range extra {
		add(h)
	}
	if hostname, err := os.Hostname(); err == nil {
		add(hostname)
	}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				add(ipnet.IP.String())
			}
		}
	}
	return out
}

func writePEM(path, blockType string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: data})
}
