/*
Copyright 2026 The DeskGate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command gateway runs the DeskGate WebSocket-to-RFB/SPICE proxy.
package main

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"gopkg.in/square/go-jose.v2"

	"github.com/openviewer/deskgate"
	"github.com/openviewer/deskgate/internal/admission"
	"github.com/openviewer/deskgate/internal/bearer"
	"github.com/openviewer/deskgate/internal/config"
	"github.com/openviewer/deskgate/internal/dial"
	"github.com/openviewer/deskgate/internal/gateway"
	"github.com/openviewer/deskgate/internal/registry"
	"github.com/openviewer/deskgate/internal/resolver"
	"github.com/openviewer/deskgate/internal/session"
	"github.com/openviewer/deskgate/internal/upstream"
	"github.com/openviewer/deskgate/internal/wsutil"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Error("gateway exited with an error")
		os.Exit(1)
	}
}

func run() error {
	app := kingpin.New("gateway", "DeskGate remote-desktop gateway")

	listenAddr := app.Flag("listen", "Address the WebSocket dispatcher listens on").Default(config.Default().ListenAddr).String()
	upstreamAddr := app.Flag("upstream-api", "Base URL of the upstream management API").Required().String()
	signingKeyPath := app.Flag("bearer-key", "Path to the PEM-encoded ed25519 private key used to verify bearer claims").Required().String()
	clusterName := app.Flag("cluster-name", "Issuer/audience embedded in and expected on every bearer claim").Default(config.Default().ClusterName).String()
	globalMax := app.Flag("global-max", "Process-wide cap on concurrent proxied connections").Default("100").Int()
	perVMMax := app.Flag("per-vm-max", "Cap on concurrent proxied connections sharing one vm-id").Default("20").Int()
	perIPRate := app.Flag("per-ip-rate", "Sustained connection attempts per second allowed from one source IP (0 disables the throttle)").Default("0").Float64()
	perIPBurst := app.Flag("per-ip-burst", "Burst size backing --per-ip-rate").Default("10").Int()
	debug := app.Flag("debug", "Enable verbose logging").Bool()
	jsonLogs := app.Flag("json-logs", "Emit structured JSON logs instead of text").Bool()

	if _, err := app.Parse(os.Args[1:]); err != nil {
		return trace.Wrap(err)
	}

	level := logrus.InfoLevel
	if *debug {
		level = logrus.DebugLevel
	}
	wsutil.InitLogger(level, *jsonLogs)
	log := logrus.WithField("component", deskgate.ComponentGateway)

	signer, err := loadSigningKey(*signingKeyPath)
	if err != nil {
		return trace.Wrap(err, "failed to load bearer signing key")
	}

	cfg := config.Default()
	cfg.ListenAddr = *listenAddr
	cfg.UpstreamAPIAddr = *upstreamAddr
	cfg.ClusterName = *clusterName
	cfg.GlobalMax = *globalMax
	cfg.PerVMMax = *perVMMax
	cfg.PerIPRateLimit = *perIPRate
	cfg.PerIPRateBurst = *perIPBurst
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	bearerKey, err := bearer.New(&bearer.Config{
		PrivateKey:  signer,
		Algorithm:   jose.EdDSA,
		ClusterName: cfg.ClusterName,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	sessions := session.New()
	upstreamClient := upstream.New(cfg.UpstreamAPIAddr, 10*time.Second)
	res := resolver.New(sessions, upstreamClient)
	adm := admission.New(cfg.GlobalMax, cfg.PerVMMax)
	if cfg.PerIPRateLimit > 0 {
		adm.SetIPRateLimit(cfg.PerIPRateLimit, cfg.PerIPRateBurst)
	}
	dialer := dial.New(cfg.ConnectionTimeout, cfg.MaxRetries, cfg.RetryDelay, cfg.RetryBackoffMultiplier, cfg.TCPKeepaliveEnable, cfg.TCPKeepaliveInitialDelay)
	reg := registry.New()

	d := gateway.New(cfg, log, bearerKey, sessions, res, adm, dialer, reg)
	lc := gateway.NewLifecycle(cfg.ListenAddr, d, sessions, log, cfg.ShutdownGraceTimeout)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.WithField("addr", cfg.ListenAddr).Info("gateway listening")
	return lc.Run(ctx)
}

// loadSigningKey reads a PEM-encoded ed25519 private key. Only a
// PKCS#8-encoded block is accepted; any other block contents fail to
// parse and are rejected.
func loadSigningKey(path string) (crypto.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, trace.BadParameter("%s does not contain a PEM block", path)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse PKCS#8 private key")
	}
	signer, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, trace.BadParameter("%s does not contain an ed25519 private key", path)
	}
	return signer, nil
}
