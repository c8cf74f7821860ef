package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"

	"chatbox/internal/models"
	"chatbox/internal/storage"
)

const maxUploadSize = 10 << 20

// UploadHandler accepts a multipart attachment, stores the blob by its
// content hash and appends a file post to the target conversation.
func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	member, ok := a.requireMember(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	convID, err := strconv.ParseInt(r.FormValue("chatID"), 10, 64)
	if err != nil || convID < 1 {
		writeError(w, http.StatusBadRequest, "No chatID")
		return
	}

	conv, err := a.registry.GetByID(convID, member.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read file")
		return
	}
	if len(data) > maxUploadSize {
		writeError(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "Empty file")
		return
	}

	// Trust the bytes, not the client headers.
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		writeError(w, http.StatusUnsupportedMediaType, "Unrecognized file type")
		return
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if err := a.files.Save(bytes.NewReader(data), hash); err != nil {
		log.Printf("failed to save file %s: %v", hash, err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	meta := storage.FileMetadata{
		ID:        uuid.NewString(),
		Hash:      hash,
		MimeType:  kind.MIME.Value,
		Size:      int64(len(data)),
		CreatedAt: time.Now().Unix(),
		MemberID:  member.ID,
		ConvID:    conv.ID,
	}
	if err := a.storage.UpsertFileMetadata(meta); err != nil {
		log.Printf("failed to save file metadata %s: %v", meta.ID, err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	post, err := a.store.AppendFile(conv.ID, member.ID, header.Filename, meta.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	a.updates.Notify(conv, member.ID)

	hydrated := a.registry.HydratePosts([]models.Post{post})
	writeJSON(w, http.StatusOK, map[string]any{
		"fileID":  meta.ID,
		"message": hydrated[0],
	})
}

// FileHandler streams a stored attachment to a conversation member.
func (a *API) FileHandler(w http.ResponseWriter, r *http.Request) {
	member, ok := a.requireMember(w, r)
	if !ok {
		return
	}

	meta, err := a.storage.GetFileMetadata(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "File does not exist")
			return
		}
		writeDomainError(w, err)
		return
	}

	// Only members of the conversation the file was posted to may
	// fetch it.
	if _, err := a.registry.GetByID(meta.ConvID, member.ID); err != nil {
		writeDomainError(w, err)
		return
	}

	blob, err := a.files.Get(meta.Hash)
	if err != nil {
		log.Printf("failed to open file %s: %v", meta.Hash, err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	if _, err := io.Copy(w, blob); err != nil {
		log.Printf("failed to stream file %s: %v", meta.ID, err)
	}
}
