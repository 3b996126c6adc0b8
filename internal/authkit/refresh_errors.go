package authkit

import "errors"

var (
	// ErrSessionEmptyUser indicates a session was requested without an owning user.
	ErrSessionEmptyUser = errors.New("session_store.empty_user")
	// ErrUserEmptyEmail indicates an upsert without an email key.
	ErrUserEmptyEmail = errors.New("user_store.empty_email")
	// ErrUserExists indicates a create-only upsert found the email already taken.
	ErrUserExists = errors.New("user_store.exists")
)
