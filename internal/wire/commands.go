package wire

// Opcodes for binary frames received from clients.
const (
	OpFseListen          byte = 12
	OpFseUnlisten        byte = 13
	OpFseSet             byte = 14
	OpFseSetIncludeMe    byte = 15
	OpFseUpdate          byte = 16
	OpFseUpdateIncludeMe byte = 17
)

// Opcodes for binary frames sent to clients.
const (
	OpClientFseData   byte = 12
	OpClientFseSet    byte = 13
	OpClientFseUpdate byte = 14
)

var serverCommandNames = map[byte]string{
	OpFseListen:          "fseListen",
	OpFseUnlisten:        "fseUnlisten",
	OpFseSet:             "fseSet",
	OpFseSetIncludeMe:    "fseSetIncludeMe",
	OpFseUpdate:          "fseUpdate",
	OpFseUpdateIncludeMe: "fseUpdateIncludeMe",
}

var serverCommandNumbers = invert(serverCommandNames)

var clientCommandNames = map[byte]string{
	OpClientFseData:   "fseData",
	OpClientFseSet:    "fseSet",
	OpClientFseUpdate: "fseUpdate",
}

var clientCommandNumbers = invert(clientCommandNames)

func invert(m map[byte]string) map[string]byte {
	out := make(map[string]byte, len(m))
	for op, name := range m {
		out[name] = op
	}
	return out
}

// ServerCommandName resolves a client->server opcode to its operation name.
func ServerCommandName(op byte) (string, bool) {
	name, ok := serverCommandNames[op]
	return name, ok
}

// ServerCommandNumber resolves a client->server operation name to its opcode.
func ServerCommandNumber(name string) (byte, bool) {
	op, ok := serverCommandNumbers[name]
	return op, ok
}

// ClientCommandName resolves a server->client opcode to its operation name.
func ClientCommandName(op byte) (string, bool) {
	name, ok := clientCommandNames[op]
	return name, ok
}

// ClientCommandNumber resolves a server->client operation name to its opcode.
func ClientCommandNumber(name string) (byte, bool) {
	op, ok := clientCommandNumbers[name]
	return op, ok
}

// Text protocol symbols received from clients.
const (
	SymJoinRealm          = '^'
	SymJoinChildRealm     = '&'
	SymJoinPersistedRealm = '%'
	SymIdentify           = '~'
	SymSendToAll          = '*'
	SymSendToAllExceptMe  = '!'
	SymSendToUser         = '@'
	SymSendToRealm        = ':'
	SymLoadEntity         = '<'
	SymSaveEntity         = '>'
	SymDeleteRealm        = 'x'
)

// Text protocol symbols sent to clients.
const (
	SymConnected      = '#'
	SymChildCreated   = '{'
	SymChildDestroyed = '}'
	SymMemberList     = '='
	SymMemberJoined   = '+'
	SymMemberLeft     = '-'
)
