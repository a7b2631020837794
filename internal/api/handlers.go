package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/folders"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/logging"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/sentitems"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/version"
)

func (r *Router) healthCheck(c *gin.Context) {
	if r.health != nil {
		if err := r.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "rfqmail",
		"version": version.String(),
	})
}

func (r *Router) status(c *gin.Context) {
	if r.poller == nil {
		unavailable(c, "poller")
		return
	}
	c.JSON(http.StatusOK, r.poller.Status())
}

func (r *Router) recheck(c *gin.Context) {
	if r.poller == nil {
		unavailable(c, "poller")
		return
	}
	counts, err := r.poller.ForceRecheck(c.Request.Context())
	if err != nil {
		r.logger.Warn().Err(err).Msg("forced recheck failed")
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error(), "counts": counts})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "counts": counts})
}

type resolveRequest struct {
	Subject      string `json:"subject" binding:"required"`
	Recipient    string `json:"recipient"`
	File         bool   `json:"file"`
	MaterialCode string `json:"material_code"`
	RFQID        string `json:"rfq_id"`
	SupplierID   string `json:"supplier_id"`
	SupplierName string `json:"supplier_name"`
}

type resolveResponse struct {
	Found     bool     `json:"found"`
	MessageID string   `json:"message_id,omitempty"`
	Match     string   `json:"match,omitempty"`
	Attempts  int      `json:"attempts"`
	Folder    string   `json:"folder,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

func toResponse(res sentitems.Result) resolveResponse {
	return resolveResponse{
		Found:     res.Found,
		MessageID: res.MessageID,
		Match:     res.Match,
		Attempts:  res.Attempts,
	}
}

// resolveSentItem answers the send workflow. With "file": true it also moves
// the message into {material}/SentRFQs.
func (r *Router) resolveSentItem(c *gin.Context) {
	var input resolveRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	if input.File {
		if r.filer == nil {
			unavailable(c, "sent item filer")
			return
		}
		res, err := r.filer.FileSentRFQ(ctx, sentitems.SentRFQ{
			Subject:      input.Subject,
			Recipient:    input.Recipient,
			MaterialCode: input.MaterialCode,
			RFQID:        input.RFQID,
			SupplierID:   input.SupplierID,
			SupplierName: input.SupplierName,
		})
		if err != nil {
			r.logger.Warn().Err(err).Str("subject", logging.Subject(input.Subject)).Msg("filing sent rfq failed")
			c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error()})
			return
		}
		out := toResponse(res.Result)
		out.Folder = res.Folder
		out.Warnings = res.Warnings
		c.JSON(http.StatusOK, out)
		return
	}

	if r.resolver == nil {
		unavailable(c, "sent item resolver")
		return
	}
	res, err := r.resolver.Resolve(ctx, input.Subject, input.Recipient)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toResponse(res))
}

func (r *Router) initializeFolders(c *gin.Context) {
	if r.folders == nil {
		unavailable(c, "folder directory")
		return
	}
	code := strings.ToUpper(strings.TrimSpace(c.Param("code")))
	if !folders.IsMaterialCode(code) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid material code"})
		return
	}
	root, err := r.folders.InitializeMaterialFolders(c.Request.Context(), code)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error()})
		return
	}
	paths := make([]string, 0, len(folders.Taxonomy))
	for _, leaf := range folders.Taxonomy {
		paths = append(paths, folders.Path(code, leaf))
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":       true,
		"material_code": code,
		"root_id":       root.ID,
		"folders":       paths,
	})
}
