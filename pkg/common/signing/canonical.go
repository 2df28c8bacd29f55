/*
Copyright The Volcano Authors.

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

package signing

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ClaimCanonicalRequest is the JWT claim carrying CanonicalRequestHash.
const ClaimCanonicalRequest = "canonical_request_sha256"

// CanonicalRequestHash builds a canonical request string and returns its SHA256 hash
// Format: HTTPMethod + \n + URI + \n + QueryString + \n + CanonicalHeaders + \n + SignedHeaders + \n + BodyHash
func CanonicalRequestHash(r *http.Request, body []byte) string {
	method := strings.ToUpper(r.Method)

	uri := r.URL.Path
	if uri == "" {
		uri = "/"
	}

	queryString := canonicalQueryString(r)
	canonicalHeaders, signedHeaders := canonicalHeaders(r)
	bodyHash := fmt.Sprintf("%x", sha256.Sum256(body))

	canonicalRequest := strings.Join([]string{
		method,
		uri,
		queryString,
		canonicalHeaders,
		signedHeaders,
		bodyHash,
	}, "\n")

	hash := sha256.Sum256([]byte(canonicalRequest))
	return fmt.Sprintf("%x", hash)
}

// canonicalQueryString builds a sorted query string
func canonicalQueryString(r *http.Request) string {
	query := r.URL.Query()
	if len(query) == 0 {
		return ""
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []string
	for _, k := range keys {
		values := query[k]
		sort.Strings(values)
		for _, v := range values {
			pairs = append(pairs, k+"="+v)
		}
	}
	return strings.Join(pairs, "&")
}

// canonicalHeaders builds canonical headers string and returns signedHeaders list.
// Only content-type is covered; for uploads it carries the multipart boundary.
func canonicalHeaders(r *http.Request) (canonical string, signed string) {
	headerMap := make(map[string]string)
	if v := r.Header.Get("Content-Type"); v != "" {
		headerMap["content-type"] = strings.TrimSpace(v)
	}

	keys := make([]string, 0, len(headerMap))
	for k := range headerMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var headerLines []string
	for _, k := range keys {
		headerLines = append(headerLines, k+":"+headerMap[k])
	}

	if len(headerLines) > 0 {
		canonical = strings.Join(headerLines, "\n") + "\n"
	} else {
		canonical = "\n"
	}
	signed = strings.Join(keys, ";")
	return canonical, signed
}
