// genkey generates the Ed25519 key pair sluice signs JWTs with.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Writes data/jwt_private.pem and data/jwt_public.pem, the default paths
// in docker-compose.yml. The data/ directory is gitignored. Run once
// before first launch; the keys persist across container rebuilds.
//
// Without SLUICE_JWT_PRIVATE_KEY the server generates an ephemeral pair
// at startup, which invalidates every issued token on restart. Persistent
// keys prevent that.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
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

	// Refuse to overwrite existing keys; replacing them invalidates every
	// live token.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			fatalf("%s already exists; delete it first to rotate keys", path)
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

	fmt.Printf("wrote %s\nwrote %s\n", privPath, pubPath)
	fmt.Println("Keys are ready. docker compose up -d will use them automatically.")
}

func writePEM(path, blockType string, der []byte) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		fatalf("write %s: %v", path, err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
