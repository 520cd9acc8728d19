// Command dexswap-keyenc encrypts a dev signer private key into the JSON file
// read by signer.mode = "local". The key and password come from the
// environment so they never appear in shell history.
//
//	DEXSWAP_SIGNER_PRIVATE_KEY=0x... DEXSWAP_SIGNER_KEY_PASSWORD=... dexswap-keyenc -out keys/dev.json
package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/alanyoungcy/dexswap/internal/crypto"
)

func main() {
	out := flag.String("out", "keys/dev.json", "path of the encrypted key file to write")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	_ = godotenv.Load()

	// Round-trip through LoadECDSA so a malformed key fails here, not at
	// swap time.
	pk, err := crypto.LoadECDSA(crypto.KeyConfig{RawPrivateKey: os.Getenv("DEXSWAP_SIGNER_PRIVATE_KEY")})
	if err != nil {
		logger.Error("invalid private key", slog.String("error", err.Error()))
		os.Exit(1)
	}
	signer := crypto.NewTxSigner(pk)

	raw, err := crypto.LoadKey(crypto.KeyConfig{RawPrivateKey: os.Getenv("DEXSWAP_SIGNER_PRIVATE_KEY")})
	if err != nil {
		logger.Error("invalid private key", slog.String("error", err.Error()))
		os.Exit(1)
	}
	blob, err := crypto.EncryptKey(raw, os.Getenv("DEXSWAP_SIGNER_KEY_PASSWORD"))
	if err != nil {
		logger.Error("encrypt key", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(*out), 0o700); err != nil {
		logger.Error("create key directory", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		logger.Error("write key file", slog.String("path", *out), slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("encrypted key written",
		slog.String("path", *out),
		slog.String("address", signer.Address().Hex()),
	)
}
