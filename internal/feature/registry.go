package feature

// Flag is named such that checking for a feature uses `feature.Flag.Enabled(feature.ExampleFeature)`.
var Flag = New()

// flag names are written in kebab-case
const (
	BlockHashCheck   FlagName = "block-hash-check"
	PersistentResume FlagName = "persistent-resume"
)

func init() {
	Flag.SetFlags(map[FlagName]FlagDesc{
		BlockHashCheck:   {Type: Beta, Description: "compare the SHA-256 of each downloaded block with the hash declared by the server and reject mismatching blocks."},
		PersistentResume: {Type: Beta, Description: "store a resume checkpoint next to the output file so that an interrupted download continues where it stopped."},
	})
}
