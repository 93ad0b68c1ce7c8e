package command

import "strings"

// Verb is the action requested on the command line.
type Verb string

const (
	VerbHelp   Verb = "help"
	VerbList   Verb = "list"
	VerbAdd    Verb = "add"
	VerbRemove Verb = "remove"
)

// verbs maps accepted spellings to verbs. Matching is case-sensitive.
var verbs = map[string]Verb{
	"h":      VerbHelp,
	"help":   VerbHelp,
	"l":      VerbList,
	"list":   VerbList,
	"a":      VerbAdd,
	"add":    VerbAdd,
	"r":      VerbRemove,
	"remove": VerbRemove,
}

// Invocation is a parsed command line.
type Invocation struct {
	Verb Verb

	// Target is the logon name given with /target:<name>. TargetSet is false
	// when the option was absent or given without a value.
	Target    string
	TargetSet bool

	// AltSecID is the value given with /altsecid:<value>.
	AltSecID    string
	AltSecIDSet bool

	// Unknown lists unrecognized options in the order given.
	Unknown []string
}

// ParseArgs parses "<verb> [/option[:value]...]". Options are split on the
// first colon, so values may themselves contain colons. A missing or
// unrecognized verb, or any help option, selects VerbHelp.
func ParseArgs(args []string) Invocation {
	if len(args) == 0 {
		return Invocation{Verb: VerbHelp}
	}

	inv := Invocation{Verb: VerbHelp}
	if verb, ok := verbs[args[0]]; ok {
		inv.Verb = verb
	}

	help := false
	for _, arg := range args[1:] {
		opt, val, hasVal := strings.Cut(arg, ":")

		switch opt {
		case "/?", "/h", "/help":
			help = true
		case "/a", "/altsecid":
			inv.AltSecID, inv.AltSecIDSet = val, hasVal
		case "/t", "/target":
			inv.Target, inv.TargetSet = val, hasVal
		default:
			inv.Unknown = append(inv.Unknown, opt)
		}
	}

	if help {
		inv.Verb = VerbHelp
	}
	return inv
}
