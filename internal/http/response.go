package http

import (
	"strings"

	"github.com/gin-gonic/gin"

	"piquante-api/internal/domain"
)

type SauceResponse struct {
	ID            string   `json:"_id"`
	UserID        string   `json:"userId"`
	Name          string   `json:"name"`
	Manufacturer  string   `json:"manufacturer"`
	Description   string   `json:"description"`
	MainPepper    string   `json:"mainPepper"`
	ImageURL      string   `json:"imageUrl"`
	Heat          int      `json:"heat"`
	Likes         int      `json:"likes"`
	Dislikes      int      `json:"dislikes"`
	UsersLiked    []string `json:"usersLiked"`
	UsersDisliked []string `json:"usersDisliked"`
}

func sauceToResponse(c *gin.Context, sauce *domain.Sauce) SauceResponse {
	liked := sauce.UsersLiked()
	disliked := sauce.UsersDisliked()
	return SauceResponse{
		ID:            sauce.ID,
		UserID:        sauce.UserID,
		Name:          sauce.Name,
		Manufacturer:  sauce.Manufacturer,
		Description:   sauce.Description,
		MainPepper:    sauce.MainPepper,
		ImageURL:      absoluteURL(c, sauce.ImageURL),
		Heat:          sauce.Heat,
		Likes:         len(liked),
		Dislikes:      len(disliked),
		UsersLiked:    liked,
		UsersDisliked: disliked,
	}
}

// absoluteURL prefixes a host relative URL with the scheme and host of the request.
func absoluteURL(c *gin.Context, u string) string {
	if !strings.HasPrefix(u, "/") || strings.HasPrefix(u, "//") {
		return u
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + c.Request.Host + u
}
