/*
Copyright The AccelRT Authors.

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

package debug

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"k8s.io/klog/v2"
)

// JWT token extraction constants
const (
	header = "Authorization"
	prefix = "Bearer "
)

func extractTokenFromHeader(req *http.Request) string {
	value := req.Header.Get(header)
	return strings.TrimPrefix(value, prefix)
}

// NewJWTAuth builds a gin middleware that validates Bearer tokens against
// the key set in the given JWKS file. The mutating debug endpoints are
// gated with it when --auth-jwks is configured.
func NewJWTAuth(jwksPath string) (gin.HandlerFunc, error) {
	keySet, err := jwk.ReadFile(jwksPath)
	if err != nil {
		return nil, fmt.Errorf("reading JWKS file %s: %w", jwksPath, err)
	}

	return func(c *gin.Context) {
		raw := extractTokenFromHeader(c.Request)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := jwt.Parse([]byte(raw),
			jwt.WithKeySet(keySet, jws.WithInferAlgorithmFromKey(true)),
			jwt.WithValidate(true))
		if err != nil {
			klog.V(4).Infof("debug auth: token rejected: %v", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if sub, ok := token.Subject(); ok {
			c.Set("subject", sub)
		}
		c.Next()
	}, nil
}
