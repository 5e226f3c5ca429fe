package sshx

import (
	"encoding/pem"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/telebrowse/telebrowse/pkg/util"
)

// authMethods builds the ssh auth methods for the configured kind. Key
// material problems are surfaced here, before any dialing.
func (t *Transport) authMethods() ([]ssh.AuthMethod, error) {
	switch t.cfg.AuthKind {
	case "password":
		if t.cfg.Password == "" {
			return nil, util.NewValidationError("password", "required for password auth")
		}
		return []ssh.AuthMethod{ssh.Password(t.cfg.Password)}, nil
	case "privateKey":
		signer, err := loadSigner(t.cfg.KeyPath, t.cfg.Passphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, util.NewValidationError("authType", "must be password or privateKey")
	}
}

// loadSigner reads and parses a private key file, expanding a leading tilde.
// An encrypted key with no passphrase fails with a dedicated code so the
// caller can prompt instead of dialing.
func loadSigner(keyPath, passphrase string) (ssh.Signer, error) {
	path := util.ExpandTilde(keyPath)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, util.WrapE(util.CodeAuth, err, "read private key %s", path)
	}
	if !strings.Contains(string(raw), "-----BEGIN") {
		return nil, util.E(util.CodeAuth, "%s does not look like a PEM private key", path)
	}

	if keyIsEncrypted(raw) && passphrase == "" {
		return nil, util.E(util.CodeAuthEncryptedKey, "private key %s is encrypted and no passphrase was provided", path)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(raw, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(raw)
	}
	if err != nil {
		if _, missing := err.(*ssh.PassphraseMissingError); missing {
			return nil, util.E(util.CodeAuthEncryptedKey, "private key %s is encrypted and no passphrase was provided", path)
		}
		return nil, util.WrapE(util.CodeAuth, err, "parse private key %s", path)
	}
	return signer, nil
}

// keyIsEncrypted detects passphrase protection without parsing:
// legacy PEM keys carry a Proc-Type: 4,ENCRYPTED header, and OpenSSH-format
// keys name their cipher ("aes...") and KDF ("bcrypt") inside the base64
// body.
func keyIsEncrypted(raw []byte) bool {
	block, _ := pem.Decode(raw)
	if block == nil {
		return false
	}
	if block.Headers["Proc-Type"] == "4,ENCRYPTED" {
		return true
	}
	if block.Type == "OPENSSH PRIVATE KEY" {
		body := string(block.Bytes)
		return strings.Contains(body, "aes") || strings.Contains(body, "bcrypt")
	}
	return false
}
