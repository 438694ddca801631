package roster

import "net/http"

// SetError records an error response for the request. It replaces any success
// response recorded earlier. Without the Handler middleware it does nothing.
func SetError(r *http.Request, err *APIError) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.err = err
}

// SetResponse records a success response. body is encoded as JSON; a nil body
// writes the status alone.
func SetResponse(r *http.Request, status int, body any) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.status = status
	state.body = body
}

// SetHeader sets a header on the eventual response, for errors and successes alike.
func SetHeader(r *http.Request, key, value string) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.headers == nil {
		state.headers = make(http.Header)
	}
	state.headers.Set(key, value)
}

// fail writes err through the state when Handler is active and directly otherwise.
func fail(w http.ResponseWriter, r *http.Request, err *APIError) {
	if HasState(r.Context()) {
		SetError(r, err)
		return
	}
	http.Error(w, err.Message, err.Status)
}

// header sets a response header through the state when Handler is active and
// directly otherwise.
func header(w http.ResponseWriter, r *http.Request, key, value string) {
	if HasState(r.Context()) {
		SetHeader(r, key, value)
		return
	}
	w.Header().Set(key, value)
}
