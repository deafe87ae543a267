/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package signing

import (
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"
	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/ssh"
)

const encryptedPKCS8Block = "ENCRYPTED PRIVATE KEY"

func encryptedPKCS8(data []byte) (*pem.Block, bool) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != encryptedPKCS8Block {
		return nil, false
	}
	return block, true
}

// ParseRawPrivateKey extends ssh.ParseRawPrivateKey with encrypted PKCS#8
// keys, which report *ssh.PassphraseMissingError like encrypted OpenSSH keys.
func ParseRawPrivateKey(data []byte) (interface{}, error) {
	if _, ok := encryptedPKCS8(data); ok {
		return nil, &ssh.PassphraseMissingError{}
	}
	return ssh.ParseRawPrivateKey(data)
}

// ParseRawPrivateKeyWithPassphrase decrypts data with passphrase.  A wrong
// passphrase yields x509.IncorrectPasswordError for every format.
func ParseRawPrivateKeyWithPassphrase(data, passphrase []byte) (interface{}, error) {
	block, ok := encryptedPKCS8(data)
	if !ok {
		return ssh.ParseRawPrivateKeyWithPassphrase(data, passphrase)
	}
	key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, passphrase)
	if err != nil {
		// pkcs8 cannot tell a wrong passphrase from corrupt padding.
		return nil, errors.Wrap(x509.IncorrectPasswordError, err.Error())
	}
	return key, nil
}

func ParsePrivateKey(data []byte) (ssh.Signer, error) {
	key, err := ParseRawPrivateKey(data)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(key)
}

func ParsePrivateKeyWithPassphrase(data, passphrase []byte) (ssh.Signer, error) {
	key, err := ParseRawPrivateKeyWithPassphrase(data, passphrase)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(key)
}
