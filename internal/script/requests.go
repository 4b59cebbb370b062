package script

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/stripe/stripe-go/form"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// RequestsModule builds the `requests` Starlark global the teacher's
// script package exposed for ad-hoc HTTP calls (requests.get/post),
// repurposed here for init()-time setup work only — e.g. a script that
// logs in once and threads a bearer token into the request() closure.
// It is never on the connection state machine's hot path.
func RequestsModule() starlark.StringDict {
	mod := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"get":  starlark.NewBuiltin("requests.get", fnGet),
		"post": starlark.NewBuiltin("requests.post", fnPost),
	})
	return starlark.StringDict{"requests": mod}
}

func fnGet(t *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return doRequest(http.MethodGet, args, kwargs)
}

func fnPost(t *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return doRequest(http.MethodPost, args, kwargs)
}

func doRequest(method string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var urlVal, dataVal, headersVal starlark.Value
	if err := starlark.UnpackArgs(method, args, kwargs, "url", &urlVal, "data?", &dataVal, "headers?", &headersVal); err != nil {
		return nil, err
	}
	url, ok := starlark.AsString(urlVal)
	if !ok {
		return nil, fmt.Errorf("requests.%s: url must be a string", method)
	}

	var body io.Reader
	if dataVal != nil {
		switch d := dataVal.(type) {
		case starlark.String:
			body = strings.NewReader(string(d))
		case *starlark.Dict:
			encoded, err := urlencodeBody(d)
			if err != nil {
				return nil, err
			}
			body = strings.NewReader(encoded)
		}
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if headers, ok := headersVal.(*starlark.Dict); ok {
		for _, k := range headers.Keys() {
			v, _, _ := headers.Get(k)
			ks, _ := starlark.AsString(k)
			vs, _ := starlark.AsString(v)
			req.Header.Set(ks, vs)
		}
	}

	resp, err := DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return newResponse(resp.StatusCode, raw), nil
}

// response is the starlark.Value handed back from requests.get/post.
type response struct {
	status int
	body   []byte
}

func newResponse(status int, body []byte) *response { return &response{status: status, body: body} }

func (r *response) String() string { return fmt.Sprintf("<response %d>", r.status) }
func (r *response) Type() string   { return "response" }
func (r *response) Freeze()        {}
func (r *response) Truth() starlark.Bool { return starlark.Bool(r.status < 400) }
func (r *response) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: response")
}

func (r *response) Attr(name string) (starlark.Value, error) {
	switch name {
	case "status_code":
		return starlark.MakeInt(r.status), nil
	case "ok":
		return starlark.Bool(r.status < 400), nil
	case "text":
		return starlark.String(string(r.body)), nil
	case "json":
		var v any
		if err := json.Unmarshal(r.body, &v); err != nil {
			return nil, fmt.Errorf("response.json: %w", err)
		}
		return decodeJSON(v)
	}
	return nil, nil
}

func (r *response) AttrNames() []string {
	return []string{"status_code", "ok", "text", "json"}
}

func decodeJSON(x any) (starlark.Value, error) {
	switch x := x.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case float64:
		return starlark.Float(x), nil
	case string:
		return starlark.String(x), nil
	case map[string]any:
		d := starlark.NewDict(len(x))
		for k, v := range x {
			vv, err := decodeJSON(v)
			if err != nil {
				return nil, err
			}
			_ = d.SetKey(starlark.String(k), vv)
		}
		return d, nil
	case []any:
		vals := make([]starlark.Value, len(x))
		for i, v := range x {
			vv, err := decodeJSON(v)
			if err != nil {
				return nil, err
			}
			vals[i] = vv
		}
		return starlark.NewList(vals), nil
	default:
		return nil, fmt.Errorf("response.json: unsupported type %T", x)
	}
}

// urlencodeBody flattens a Starlark dict into an application/
// x-www-form-urlencoded body, the way the teacher's requests.post did
// for dict-valued `data`, using the same form-encoding library.
func urlencodeBody(v *starlark.Dict) (string, error) {
	values := form.Values{}

	var emit func(x starlark.Value, keyParts []string) error
	emit = func(x starlark.Value, keyParts []string) error {
		switch x := x.(type) {
		case starlark.NoneType:
			values.Add(form.FormatKey(keyParts), "null")
		case starlark.Bool:
			values.Add(form.FormatKey(keyParts), fmt.Sprintf("%t", x))
		case starlark.Int:
			values.Add(form.FormatKey(keyParts), x.String())
		case starlark.Float:
			values.Add(form.FormatKey(keyParts), fmt.Sprintf("%g", float64(x)))
		case starlark.String:
			values.Add(form.FormatKey(keyParts), string(x))
		case *starlark.Dict:
			keys := x.Keys()
			sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
			for _, k := range keys {
				v, _, _ := x.Get(k)
				ks, _ := starlark.AsString(k)
				if err := emit(v, append(keyParts, ks)); err != nil {
					return err
				}
			}
		case *starlark.List:
			it := x.Iterate()
			defer it.Done()
			var elem starlark.Value
			for i := 0; it.Next(&elem); i++ {
				if err := emit(elem, append(keyParts, fmt.Sprint(i))); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("urlencodeBody: cannot encode %s", x.Type())
		}
		return nil
	}

	if err := emit(v, nil); err != nil {
		return "", err
	}
	return values.Encode(), nil
}
