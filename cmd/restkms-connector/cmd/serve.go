/*
 * // Copyright 2020 Thales DIS CPL Inc
 * //
 * // Permission is hereby granted, free of charge, to any person obtaining
 * // a copy of this software and associated documentation files (the
 * // "Software"), to deal in the Software without restriction, including
 * // without limitation the rights to use, copy, modify, merge, publish,
 * // distribute, sublicense, and/or sell copies of the Software, and to
 * // permit persons to whom the Software is furnished to do so, subject to
 * // the following conditions:
 * //
 * // The above copyright notice and this permission notice shall be
 * // included in all copies or substantial portions of the Software.
 * //
 * // THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
 * // EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF
 * // MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND
 * // NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE
 * // LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION
 * // OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION
 * // WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/distkv/restkmsconnector/pkg/discovery"
	"github.com/distkv/restkmsconnector/pkg/kmsconnector"
	"github.com/distkv/restkmsconnector/pkg/kmserrors"
	"github.com/distkv/restkmsconnector/pkg/tokenstore"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	discoveryMode string
	discoveryFile string
	tokenMode     string
	tokenDetails  string

	refreshEnabled  bool
	refreshInterval time.Duration

	tokenMaxSize     int64
	tokensMaxPayload int64
	maxBaseCipherLen int
	stripNewline     bool

	getEncryptionKeysEndpoint       string
	getLatestEncryptionKeysEndpoint string
	getBlobMetadataEndpoint         string
)

// serveCmd boots a connector and keeps it running until a terminating
// signal is received. There is no RPC transport wired in here: spec §1
// treats the RPC interface machinery as an external collaborator, so
// serve's job is limited to exercising Bootstrap and then blocking,
// useful for standalone config/discovery verification and as the
// skeleton a host process wires its own request channels into.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bootstrap the KMS connector (discovery + token procurement) and run its event loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		if discoveryMode != string(discovery.ModeFile) {
			return kmsconnectorNotImplemented("discovery mode: " + discoveryMode)
		}
		if tokenMode != string(tokenstore.SourceFile) {
			return kmsconnectorNotImplemented("token mode: " + tokenMode)
		}

		cfg := kmsconnector.DefaultConfig()
		cfg.DiscoveryFile = discoveryFile
		cfg.TokenDetails = tokenDetails
		cfg.RefreshEnabled = refreshEnabled
		cfg.RefreshInterval = refreshInterval
		cfg.TokenMaxSize = tokenMaxSize
		cfg.TokensMaxPayload = tokensMaxPayload
		cfg.MaxBaseCipherLen = maxBaseCipherLen
		cfg.StripTrailingNewline = stripNewline
		cfg.GetEncryptionKeysEndpoint = getEncryptionKeysEndpoint
		cfg.GetLatestEncryptionKeysEndpoint = getLatestEncryptionKeysEndpoint
		cfg.GetBlobMetadataEndpoint = getBlobMetadataEndpoint

		disc := discovery.New(discovery.NewFileSource(cfg.DiscoveryFile))
		tokens := tokenstore.NewFileStore(cfg.TokenMaxSize, cfg.TokensMaxPayload, cfg.StripTrailingNewline)
		client := kmsconnector.NewDefaultHTTPClient(nil)

		connCtx := kmsconnector.New(cfg, disc, tokens, client)
		loop := kmsconnector.NewLoop(connCtx)

		bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelBoot()
		if err := loop.Bootstrap(bootCtx); err != nil {
			logrus.WithError(err).Error("failed to bootstrap connector")
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logrus.Info("connector loop starting")
		if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("connector loop terminated")
			return err
		}
		logrus.Info("connector loop stopped")
		return nil
	},
}

func kmsconnectorNotImplemented(what string) error {
	return kmserrors.New(kmserrors.KindNotImplemented, what)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&discoveryMode, "discovery-mode", "file", "discovery source kind (only 'file' is implemented)")
	serveCmd.Flags().StringVar(&discoveryFile, "discovery-file", lookupEnvOrString("DISCOVERY_FILE", ""), "path to the newline-separated KMS URL list")
	serveCmd.Flags().StringVar(&tokenMode, "token-mode", "file", "validation-token source kind (only 'file' is implemented)")
	serveCmd.Flags().StringVar(&tokenDetails, "token-details", lookupEnvOrString("TOKEN_DETAILS", ""), "name=path;name=path;... validation token details string")

	serveCmd.Flags().BoolVar(&refreshEnabled, "refresh-enabled", true, "enable periodic URL refresh")
	serveCmd.Flags().DurationVar(&refreshInterval, "refresh-interval", 10*time.Minute, "URL refresh interval")

	serveCmd.Flags().Int64Var(&tokenMaxSize, "token-max-size", 10<<20, "max size in bytes of a single validation token")
	serveCmd.Flags().Int64Var(&tokensMaxPayload, "tokens-max-payload", 100<<20, "max combined size in bytes of all validation tokens")
	serveCmd.Flags().IntVar(&maxBaseCipherLen, "max-base-cipher-len", 64, "max accepted length in bytes of a returned base cipher")
	serveCmd.Flags().BoolVar(&stripNewline, "strip-trailing-newline", true, "strip a single trailing newline from each token file's contents")

	serveCmd.Flags().StringVar(&getEncryptionKeysEndpoint, "get-encryption-keys-endpoint", "/getEncryptionKeys", "URL suffix for by-key-ids requests")
	serveCmd.Flags().StringVar(&getLatestEncryptionKeysEndpoint, "get-latest-encryption-keys-endpoint", "/getLatestEncryptionKeys", "URL suffix for latest-by-domain-ids requests")
	serveCmd.Flags().StringVar(&getBlobMetadataEndpoint, "get-blob-metadata-endpoint", "/getBlobMetadata", "URL suffix for blob-metadata requests")
}
