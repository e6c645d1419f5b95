package key

import (
	"crypto/rand"
	"io"
	"net/http"
	"time"

	gerr "github.com/covert-encryption/covert/errors"
)

func readCryptoRand(b []byte) (int, error) { return rand.Read(b) }

var httpClient = &http.Client{Timeout: 10 * time.Second}

// httpGet fetches url and returns its body, grounded on the teacher's
// network package convention of a package-level *http.Client with a
// fixed timeout rather than the zero-value default client.
func httpGet(url string) ([]byte, error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return nil, gerr.New(err, "httpGet(%s)", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, gerr.New(ErrMalformedKey, "httpGet(%s): status %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}
