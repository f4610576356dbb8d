package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"piquante-api/internal/service"
)

var allowedImageTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif"}

// sauceRequest is the sauce payload, sent as JSON or as the "sauce" form field.
type sauceRequest struct {
	UserID       string `json:"userId"`
	Name         string `json:"name" binding:"required"`
	Manufacturer string `json:"manufacturer" binding:"required"`
	Description  string `json:"description" binding:"required"`
	MainPepper   string `json:"mainPepper" binding:"required"`
	Heat         int    `json:"heat" binding:"required,min=1,max=10"`
}

func (r sauceRequest) input() service.SauceInput {
	return service.SauceInput{
		Name:         r.Name,
		Manufacturer: r.Manufacturer,
		Description:  r.Description,
		MainPepper:   r.MainPepper,
		Heat:         r.Heat,
	}
}

type upload struct {
	file        multipart.File
	contentType string
	ext         string
	size        int64
}

func (u *upload) Close() error {
	if u == nil || u.file == nil {
		return nil
	}
	return u.file.Close()
}

func (u *upload) attachment() service.Attachment {
	return service.Attachment{
		ContentType: u.contentType,
		Ext:         u.ext,
		Size:        u.size,
		Body:        u.file,
	}
}

func isMultipart(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "multipart/form-data")
}

// parseSauceForm reads a multipart body holding a "sauce" JSON field and an
// "image" file. The returned upload is nil when no image was sent and
// imageRequired is false.
func (h *Handler) parseSauceForm(c *gin.Context, imageRequired bool) (sauceRequest, *upload, error) {
	var req sauceRequest

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			return req, nil, errPayloadTooLarge
		}
		return req, nil, fmt.Errorf("%w: malformed multipart body: %s", service.ErrInvalidRequest, err.Error())
	}

	raw := form.Value["sauce"]
	if len(raw) == 0 || strings.TrimSpace(raw[0]) == "" {
		return req, nil, fmt.Errorf("%w: sauce field is required", service.ErrInvalidRequest)
	}
	if err := json.Unmarshal([]byte(raw[0]), &req); err != nil {
		return req, nil, fmt.Errorf("%w: sauce field is not valid JSON", service.ErrInvalidRequest)
	}
	if err := binding.Validator.ValidateStruct(&req); err != nil {
		return req, nil, fmt.Errorf("%w: %s", service.ErrInvalidRequest, err.Error())
	}

	files := form.File["image"]
	if len(files) == 0 {
		if imageRequired {
			return req, nil, fmt.Errorf("%w: image is required", service.ErrInvalidRequest)
		}
		return req, nil, nil
	}

	image, err := openImage(files[0])
	if err != nil {
		return req, nil, err
	}
	return req, image, nil
}

// openImage sniffs the file content and accepts only known image formats,
// whatever the client declared.
func openImage(fh *multipart.FileHeader) (*upload, error) {
	file, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}

	mtype, err := mimetype.DetectReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("sniff upload: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("rewind upload: %w", err)
	}
	if !mimetype.EqualsAny(mtype.String(), allowedImageTypes...) {
		file.Close()
		return nil, fmt.Errorf("%w: image must be jpeg, png, webp or gif, got %s", service.ErrInvalidRequest, mtype.String())
	}

	return &upload{
		file:        file,
		contentType: mtype.String(),
		ext:         mtype.Extension(),
		size:        fh.Size,
	}, nil
}
