package protocol

import "encoding/json"

// Request types recognized on the admin socket (spec.md §4.1).
const (
	TypeList    = "list"
	TypeCreate  = "create"
	TypeDestroy = "destroy"
	TypeStart   = "start"
	TypeStop    = "stop"
	TypeInspect = "inspect"
)

// Response types. Result types carry their payload under content; the error
// type always carries a string error tag.
const (
	TypeListRes    = "list_res"
	TypeCreateRes  = "create_res"
	TypeDestroyRes = "destroy_res"
	TypeStartRes   = "start_res"
	TypeStopRes    = "stop_res"
	TypeInspectRes = "inspect_res"
	TypeError      = "error"

	TypeCreateError  = "create_error"
	TypeDestroyError = "destroy_error"
	TypeStartError   = "start_error"
	TypeStopError    = "stop_error"
	TypeInspectError = "inspect_error"
	TypeInitiateError = "initiate_error"
)

// Error tags making up the closed vocabulary of the wire contract
// (spec.md §4.6, §7).
const (
	ErrFormat               = "format_error"
	ErrUnknownType          = "type_error"
	ErrDBRead               = "db_read_error"
	ErrDBWrite              = "db_write_error"
	ErrUserInstall          = "user_install_error"
	ErrUserUninstall        = "user_uninstall_error"
	ErrInstance             = "instance_error"
	ErrConfRead             = "conf_read_error"
	ErrContainerConf        = "container_conf_error"
	ErrContainerStart       = "container_start_error"
	ErrContainerUpdate      = "container_update_error"
	ErrContainerDestroy     = "container_destroy_error"
	ErrStart                = "start_error"
	ErrStop                 = "stop_error"
	ErrNoContainer          = "no_container"
	ErrDupContainer         = "dup_container"
	ErrMaxAllocReached      = "max_alloc_reached"
	ErrContractIDBadFormat  = "contractid_bad_format"
	ErrDockerImageInvalid   = "docker_image_invalid"
	ErrContainerNotFound    = "container_not_found"
	ErrInstanceAlreadyExists = "instance_already_exists"
)

// Request is the parsed admin-socket request envelope. Fields not applicable
// to a given Type are left zero.
type Request struct {
	Type                 string          `json:"type"`
	ContainerName        string          `json:"container_name,omitempty"`
	OwnerPubkey          string          `json:"owner_pubkey,omitempty"`
	ContractID           string          `json:"contract_id,omitempty"`
	Image                string          `json:"image,omitempty"`
	OutboundIPv6         string          `json:"outbound_ipv6,omitempty"`
	OutboundNetInterface string          `json:"outbound_net_interface,omitempty"`
	Config               json.RawMessage `json:"config,omitempty"`
}

// Response is the envelope written back to the client.
type Response struct {
	Type    string      `json:"type"`
	Content interface{} `json:"content,omitempty"`
}

// NewErrorResponse builds an `error`-typed (or operation-specific error
// typed) response carrying a plain string error tag.
func NewErrorResponse(responseType, tag string) *Response {
	return &Response{Type: responseType, Content: tag}
}

// NewResultResponse builds a success response carrying a structured payload.
func NewResultResponse(responseType string, content interface{}) *Response {
	return &Response{Type: responseType, Content: content}
}

// requiredFields lists the fields that must be non-empty for each known
// request type, beyond Type itself (spec.md §4.1's table).
var requiredFields = map[string][]string{
	TypeList:    {},
	TypeCreate:  {"container_name", "owner_pubkey", "contract_id", "image"},
	TypeDestroy: {"container_name"},
	TypeStart:   {"container_name"},
	TypeStop:    {"container_name"},
	TypeInspect: {"container_name"},
}

// ParseRequest decodes one frame payload into a Request. On malformed JSON
// or a missing required field it returns a ready-to-send error Response with
// content format_error; on an unrecognized type, content type_error
// (spec.md §4.1 parser contract). Exactly one of the two return values is
// non-nil.
func ParseRequest(payload []byte) (*Request, *Response) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, NewErrorResponse(TypeError, ErrFormat)
	}

	fields, known := requiredFields[req.Type]
	if !known {
		return nil, NewErrorResponse(TypeError, ErrUnknownType)
	}

	if missingField(&req, fields) {
		return nil, NewErrorResponse(TypeError, ErrFormat)
	}

	return &req, nil
}

func missingField(req *Request, fields []string) bool {
	for _, f := range fields {
		var v string
		switch f {
		case "container_name":
			v = req.ContainerName
		case "owner_pubkey":
			v = req.OwnerPubkey
		case "contract_id":
			v = req.ContractID
		case "image":
			v = req.Image
		}
		if v == "" {
			return true
		}
	}
	return false
}
