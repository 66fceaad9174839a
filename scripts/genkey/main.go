// genkey generates the credentials a fresh Musubi deployment needs: an
// Ed25519 key pair for JWT signing and a random bootstrap API key.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Writes:
//
//	data/jwt_private.pem  (mode 0600, keep this secret)
//	data/jwt_public.pem   (mode 0600)
//
// and prints a bootstrap API key for MUSUBI_BOOTSTRAP_API_KEY. The server
// auto-generates ephemeral signing keys when MUSUBI_JWT_PRIVATE_KEY is
// unset, but those are discarded on every restart, invalidating all
// outstanding tokens. Persistent keys prevent that.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	dir := "data"
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0700); err != nil {
		fatalf("cannot create %s: %v", dir, err)
	}

	// Refuse to overwrite existing keys; rotating by accident invalidates
	// every live token.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			fatalf("%s already exists, delete it first if you want to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fatalf("generate key: %v", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		fatalf("marshal private key: %v", err)
	}
	writePEM(privPath, "PRIVATE KEY", privDER)

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		fatalf("marshal public key: %v", err)
	}
	writePEM(pubPath, "PUBLIC KEY", pubDER)

	apiKey := make([]byte, 32)
	if _, err := rand.Read(apiKey); err != nil {
		fatalf("generate api key: %v", err)
	}

	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	fmt.Println()
	fmt.Println("Set these before starting the server:")
	fmt.Printf("  MUSUBI_JWT_PRIVATE_KEY=%s\n", privPath)
	fmt.Printf("  MUSUBI_JWT_PUBLIC_KEY=%s\n", pubPath)
	fmt.Printf("  MUSUBI_BOOTSTRAP_CLIENT_ID=admin\n")
	fmt.Printf("  MUSUBI_BOOTSTRAP_API_KEY=musubi_%s\n", base64.RawURLEncoding.EncodeToString(apiKey))
}

func writePEM(path, blockType string, der []byte) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		fatalf("create %s: %v", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		fatalf("write %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		fatalf("close %s: %v", path, err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
