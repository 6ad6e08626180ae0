package transport

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ssjmarx/foundryvtt-gold-api-relay/internal"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/errors"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/message"
	"github.com/ssjmarx/foundryvtt-gold-api-relay/pkg/sheet"
)

// writeResult shapes a dispatch outcome into the HTTP response. Two
// response types take special paths: get-sheet-response (tab activation +
// optional HTML envelope) and download-file-result (data-URL decode into
// raw bytes). Everything else is the generic passthrough body.
func (e *Edge) writeResult(w http.ResponseWriter, clientId string, res internal.Result, hints internal.ShapeHints) {
	if res.Err != nil {
		requestId := ""
		if timeoutErr, ok := res.Err.(*errors.RequestTimeout); ok {
			requestId = timeoutErr.RequestId
		}
		writeErrorBody(w, requestId, clientId, res.Err)
		return
	}

	env := res.Body
	requestId := env.RequestId()

	if errMsg, hasErr := env.ErrorField(); hasErr {
		status := peerErrorStatus(errMsg)
		writeJSON(w, status, map[string]interface{}{
			"requestId": requestId,
			"clientId":  clientId,
			"error":     errMsg,
		})
		return
	}

	switch env.Type() {
	case "get-sheet-response":
		e.writeSheetResponse(w, clientId, env, hints)
	case "download-file-result":
		e.writeDownloadResponse(w, clientId, env, hints)
	default:
		writeJSON(w, http.StatusOK, genericBody(clientId, env))
	}
}

// genericBody is {requestId, clientId, ...env} minus the type field, with
// sensitive keys stripped.
func genericBody(clientId string, env message.Envelope) map[string]interface{} {
	body := make(map[string]interface{}, len(env)+1)
	for k, v := range env {
		if k == "type" {
			continue
		}
		body[k] = v
	}
	body["clientId"] = clientId
	sanitized, _ := message.Sanitize(body).(map[string]interface{})
	return sanitized
}

// peerErrorStatus maps a peer-reported error string to an HTTP status:
// entity lookups that missed are 404, everything else the peer rejected is
// a 400.
func peerErrorStatus(errMsg string) int {
	lower := strings.ToLower(errMsg)
	if strings.Contains(lower, "not found") || strings.Contains(lower, "no such") || strings.Contains(lower, "invalid client") {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func writeErrorBody(w http.ResponseWriter, requestId string, clientId string, err error) {
	status := errors.HTTPStatus(errors.KindOf(err))
	body := map[string]interface{}{
		"error": err.Error(),
	}
	if requestId != "" {
		body["requestId"] = requestId
	}
	if clientId != "" {
		body["clientId"] = clientId
	}
	writeJSON(w, status, body)
}

// writeSheetResponse handles get-sheet-response payloads: activate the
// requested tab when the caller asked for one (best-effort), then either
// return the raw fragments as JSON or wrap them into a standalone page.
func (e *Edge) writeSheetResponse(w http.ResponseWriter, clientId string, env message.Envelope, hints internal.ShapeHints) {
	html, _ := env["html"].(string)
	css, _ := env["css"].(string)

	if hints.ActiveTab != "" && html != "" {
		html = sheet.ActivateTab(html, hints.ActiveTab)
	}

	if hints.Format == "json" {
		body := genericBody(clientId, env)
		body["html"] = html
		writeJSON(w, http.StatusOK, body)
		return
	}

	title, _ := env["title"].(string)
	if title == "" {
		if uuid, has := env["uuid"].(string); has {
			title = uuid
		} else {
			title = "Sheet"
		}
	}
	systemId, _ := env["systemId"].(string)

	page, err := e.renderer.Render(sheet.EnvelopeData{
		Title:    title,
		SystemId: systemId,
		Html:     sheet.SafeHTML(html),
		Css:      sheet.SafeCSS(css),
	})
	if err != nil {
		e.log.Warn("Sheet envelope render failed, returning JSON", zap.Error(err))
		body := genericBody(clientId, env)
		body["html"] = html
		writeJSON(w, http.StatusOK, body)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(page))
}

// writeDownloadResponse handles download-file-result payloads. With
// format=binary or format=raw the data URL is decoded and the bytes are
// written with download headers; otherwise the JSON passes through intact.
func (e *Edge) writeDownloadResponse(w http.ResponseWriter, clientId string, env message.Envelope, hints internal.ShapeHints) {
	if hints.Format != "binary" && hints.Format != "raw" {
		writeJSON(w, http.StatusOK, genericBody(clientId, env))
		return
	}

	fileData, _ := env["fileData"].(string)
	mimeType, data, err := decodeDataURL(fileData)
	if err != nil {
		e.log.Warn("Failed to decode file data", zap.Error(err))
		writeErrorBody(w, env.RequestId(), clientId, errors.New(errors.KindInternal, "file data could not be decoded"))
		return
	}

	if explicit, has := env["mimeType"].(string); has && explicit != "" {
		mimeType = explicit
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	filename, _ := env["filename"].(string)
	if filename == "" {
		filename = "download"
	}

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// decodeDataURL splits a "data:{mime};base64,{payload}" URL into its mime
// type and decoded bytes.
func decodeDataURL(dataURL string) (string, []byte, error) {
	if dataURL == "" {
		return "", nil, fmt.Errorf("empty file data")
	}

	header, encoded, found := strings.Cut(dataURL, ",")
	if !found {
		return "", nil, fmt.Errorf("malformed data URL")
	}

	mimeType := ""
	if rest, isData := strings.CutPrefix(header, "data:"); isData {
		mimeType = strings.TrimSuffix(rest, ";base64")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, err
	}
	return mimeType, data, nil
}
