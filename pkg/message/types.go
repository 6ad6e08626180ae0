package message

// Request types the relay routes. The set is closed: the edge registers one
// endpoint per entry and the response-type mapping below is derived from it.
var RequestTypes = []string{
	"search",
	"entity",
	"structure",
	"contents",
	"create",
	"update",
	"delete",
	"rolls",
	"last-roll",
	"roll",
	"get-sheet",
	"macro-execute",
	"macros",
	"encounters",
	"start-encounter",
	"next-turn",
	"next-round",
	"last-turn",
	"last-round",
	"end-encounter",
	"add-to-encounter",
	"remove-from-encounter",
	"kill",
	"decrease",
	"increase",
	"give",
	"remove",
	"execute-js",
	"select",
	"selected",
	"file-system",
	"upload-file",
	"download-file",
	"get-actor-details",
	"modify-item-charges",
	"use-ability",
	"use-feature",
	"use-spell",
	"use-item",
	"modify-experience",
	"add-item",
	"remove-item",
	"get-folder",
	"create-folder",
	"delete-folder",
	"chat-messages",
	"chat",
}

var requestTypeSet = func() map[string]struct{} {
	s := make(map[string]struct{}, len(RequestTypes))
	for _, t := range RequestTypes {
		s[t] = struct{}{}
	}
	return s
}()

func IsRequestType(t string) bool {
	_, ok := requestTypeSet[t]
	return ok
}

// ResponseTypeFor maps a base request type to the response type the peer
// sends back. Every type follows the "-result" convention except get-sheet.
func ResponseTypeFor(reqType string) string {
	if reqType == "get-sheet" {
		return "get-sheet-response"
	}
	return reqType + "-result"
}

// Keep-alive and session-control types handled inside the peer session
// instead of the response router.
const (
	TypePing = "ping"
	TypePong = "pong"
)
