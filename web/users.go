package web

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	ac "github.com/panyam/authcore"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, AccountFromContext(r.Context()))
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	update, avatar, cleanup, err := readProfileUpdate(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer cleanup()
	if update.IsEmpty() && avatar == nil {
		s.fail(w, r, ac.Invalid("nothing to update"))
		return
	}
	updated, err := s.Resolver.UpdateProfile(r.Context(), account.ID, update, avatar)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// readProfileUpdate accepts either a JSON ProfileUpdate or a multipart form
// with the same field names and an optional "avatar" file.
func readProfileUpdate(w http.ResponseWriter, r *http.Request) (ac.ProfileUpdate, *ac.Avatar, func(), error) {
	var update ac.ProfileUpdate
	noop := func() {}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		if err := decode(w, r, &update); err != nil {
			return update, nil, noop, err
		}
		return update, nil, noop, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, ac.MaxAvatarSize+maxBodySize)
	if err := r.ParseMultipartForm(maxBodySize); err != nil {
		return update, nil, noop, ac.ErrInvalidInput.WithMessage("invalid multipart form").Wrap(err)
	}
	cleanup := func() { r.MultipartForm.RemoveAll() }

	fields := map[string]**string{
		"firstName":   &update.FirstName,
		"lastName":    &update.LastName,
		"phone":       &update.Phone,
		"address":     &update.Address,
		"dateOfBirth": &update.DateOfBirth,
		"gender":      &update.Gender,
		"nationality": &update.Nationality,
	}
	for name, values := range r.MultipartForm.Value {
		dst, ok := fields[name]
		if !ok {
			cleanup()
			return update, nil, noop, ac.Invalid("unknown field %q", name)
		}
		if len(values) > 0 {
			v := values[0]
			*dst = &v
		}
	}

	file, header, err := r.FormFile("avatar")
	if errors.Is(err, http.ErrMissingFile) {
		return update, nil, cleanup, nil
	}
	if err != nil {
		cleanup()
		return update, nil, noop, ac.ErrInvalidInput.WithMessage("invalid avatar upload").Wrap(err)
	}
	if header.Size > ac.MaxAvatarSize {
		file.Close()
		cleanup()
		return update, nil, noop, ac.Invalid("avatar must be at most %d bytes", ac.MaxAvatarSize)
	}
	avatar := &ac.Avatar{
		ContentType: header.Header.Get("Content-Type"),
		Body:        io.LimitReader(file, ac.MaxAvatarSize),
	}
	return update, avatar, func() { file.Close(); cleanup() }, nil
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.accounts().(ac.AccountLister)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "not_implemented", ErrorDescription: "account listing is not supported"})
		return
	}
	offset, limit, err := page(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	accounts, err := lister.ListAccounts(r.Context(), offset, limit)
	if err != nil {
		s.fail(w, r, ac.Dependency("list accounts", err))
		return
	}
	// other users only ever see the public view
	users := make([]*userView, 0, len(accounts))
	for _, a := range accounts {
		users = append(users, viewOf(a))
	}
	writeJSON(w, http.StatusOK, listResponse{Users: users, Offset: offset, Limit: limit})
}

func page(r *http.Request) (offset, limit int, err error) {
	limit = defaultPageSize
	q := r.URL.Query()
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, ac.Invalid("offset must be a non-negative integer")
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, ac.Invalid("limit must be a positive integer")
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return offset, limit, nil
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	account, err := s.accounts().FindByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, ac.ErrNotFound) {
		s.fail(w, r, ac.ErrNotFound.WithMessage("user not found"))
		return
	}
	if err != nil {
		s.fail(w, r, ac.Dependency("find account by id", err))
		return
	}
	writeJSON(w, http.StatusOK, account)
}
