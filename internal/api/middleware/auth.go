package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	jwtutil "github.com/rephlax/clutchcrew/pkg/jwt"
)

const (
	// ContextPlayerID 인증된 플레이어 ID
	ContextPlayerID = "playerId"
	// ContextSkillRating 토큰에 담긴 스킬 점수
	ContextSkillRating = "skillRating"
)

// Auth JWT 인증 미들웨어
func Auth(jwtManager *jwtutil.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header required",
			})
			c.Abort()
			return
		}

		// 토큰 검증
		claims, err := jwtManager.Verify(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
			})
			c.Abort()
			return
		}

		// 검증 성공 - 플레이어 정보를 context에 저장
		c.Set(ContextPlayerID, claims.PlayerID)
		c.Set(ContextSkillRating, claims.SkillRating)

		c.Next()
	}
}

// bearerToken "Bearer <token>" 헤더 파싱. 브라우저 WebSocket은 헤더를 못 붙이므로 ?token= 도 허용한다.
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if t := c.Query("token"); t != "" {
			return t, true
		}
		return "", false
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// PlayerID 인증 미들웨어가 저장한 플레이어 ID
func PlayerID(c *gin.Context) (string, bool) {
	v, ok := c.Get(ContextPlayerID)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

// SkillRating 인증 미들웨어가 저장한 스킬 점수
func SkillRating(c *gin.Context) int {
	return c.GetInt(ContextSkillRating)
}
