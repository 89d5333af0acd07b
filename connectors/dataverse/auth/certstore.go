// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"dataverse/platform/connectors/base"
)

// CertificateStore finds a client certificate and its private key by SHA-1
// thumbprint.
type CertificateStore interface {
	Find(thumbprint string) ([]*x509.Certificate, crypto.PrivateKey, error)
}

// Thumbprint returns the upper-case hex SHA-1 thumbprint of a certificate
func Thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// NormalizeThumbprint strips separators and upper-cases a thumbprint
func NormalizeThumbprint(t string) string {
	r := strings.NewReplacer(" ", "", ":", "", "-", "", "\u200e", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(t)))
}

// PEMCertificateStore searches a directory of PEM, PFX and P12 files, each
// holding a certificate together with its private key.
type PEMCertificateStore struct {
	dir      string
	password []byte
	now      func() time.Time
}

// NewPEMCertificateStore creates a store over dir. password decrypts
// PKCS#12 files and may be nil.
func NewPEMCertificateStore(dir string, password []byte) *PEMCertificateStore {
	return &PEMCertificateStore{dir: dir, password: password, now: time.Now}
}

// Find implements CertificateStore. Expired or not yet valid certificates
// are reported as not found.
func (s *PEMCertificateStore) Find(thumbprint string) ([]*x509.Certificate, crypto.PrivateKey, error) {
	want := NormalizeThumbprint(thumbprint)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, &base.CertificateNotFoundError{Thumbprint: want, Reason: fmt.Sprintf("cannot read store %s: %v", s.dir, err)}
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".pem", ".crt", ".pfx", ".p12":
		default:
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		certs, key, err := azidentity.ParseCertificates(data, s.password)
		if err != nil {
			continue
		}
		for _, cert := range certs {
			if Thumbprint(cert) != want {
				continue
			}
			now := s.now()
			if now.After(cert.NotAfter) {
				return nil, nil, &base.CertificateNotFoundError{Thumbprint: want, Reason: "certificate expired " + cert.NotAfter.Format(time.RFC3339)}
			}
			if now.Before(cert.NotBefore) {
				return nil, nil, &base.CertificateNotFoundError{Thumbprint: want, Reason: "certificate not valid before " + cert.NotBefore.Format(time.RFC3339)}
			}
			return certs, key, nil
		}
	}
	return nil, nil, &base.CertificateNotFoundError{Thumbprint: want, Reason: "no matching certificate in " + s.dir}
}
