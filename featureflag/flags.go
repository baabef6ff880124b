package featureflag

type Flag string

const (
	FlagDisableLoadInterval Flag = "DISABLE_LOAD_INTERVAL"
	FlagDisableTileCache    Flag = "DISABLE_TILE_CACHE"
	FlagFlatProjection      Flag = "FLAT_PROJECTION"
	FlagSyncDecode          Flag = "SYNC_DECODE"
)
