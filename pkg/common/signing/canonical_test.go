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
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalRequestHash(t *testing.T) {
	body := []byte(`{"code":"print(1)"}`)

	a := httptest.NewRequest("POST", "http://10.0.0.1:5000/python?b=2&a=1", nil)
	a.Header.Set("Content-Type", "application/json")
	b := httptest.NewRequest("post", "http://other-host/python?a=1&b=2", nil)
	b.Header.Set("Content-Type", " application/json ")

	// host, method case, query order and header whitespace do not matter
	assert.Equal(t, CanonicalRequestHash(a, body), CanonicalRequestHash(b, body))
	assert.Len(t, CanonicalRequestHash(a, body), 64)

	assert.NotEqual(t, CanonicalRequestHash(a, body), CanonicalRequestHash(a, []byte(`{"code":"print(2)"}`)))

	c := httptest.NewRequest("POST", "http://10.0.0.1:5000/shell?a=1&b=2", nil)
	c.Header.Set("Content-Type", "application/json")
	assert.NotEqual(t, CanonicalRequestHash(a, body), CanonicalRequestHash(c, body))

	d := httptest.NewRequest("POST", "http://10.0.0.1:5000/python?a=1&b=2", nil)
	assert.NotEqual(t, CanonicalRequestHash(a, body), CanonicalRequestHash(d, body))
}
