package request

// HTTPError is returned by MakeRequest for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// IsAuth reports whether the provider refused the credentials.
func (e *HTTPError) IsAuth() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}
