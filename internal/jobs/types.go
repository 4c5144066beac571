package jobs

const TaskPrecacheAssets = "assets:precache"

type PrecacheAssetsPayload struct {
	Trigger string `json:"trigger,omitempty"`
}
