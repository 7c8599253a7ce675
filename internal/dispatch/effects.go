package dispatch

type Action string

const (
	ActionTrade   Action = "trade"
	ActionResolve Action = "resolve"
	ActionRedeem  Action = "redeem"
	ActionDelete  Action = "delete"
	ActionPublish Action = "publish"
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionComment Action = "comment"
)

type Effect int

const (
	RefetchCatalog Effect = iota + 1
	RefreshSession
	PatchCatalog
	PrependCatalog
	RemoveFromCatalog
)

func (e Effect) String() string {
	switch e {
	case RefetchCatalog:
		return "refetch_catalog"
	case RefreshSession:
		return "refresh_session"
	case PatchCatalog:
		return "patch_catalog"
	case PrependCatalog:
		return "prepend_catalog"
	case RemoveFromCatalog:
		return "remove_from_catalog"
	}
	return "unknown"
}

// A trade refetches the whole feed; a comment touches no cache.
var effects = map[Action][]Effect{
	ActionTrade:   {RefetchCatalog, RefreshSession},
	ActionResolve: {RefetchCatalog},
	ActionRedeem:  {RefreshSession},
	ActionDelete:  {RemoveFromCatalog},
	ActionPublish: {PatchCatalog},
	ActionCreate:  {PrependCatalog},
	ActionUpdate:  {PatchCatalog},
	ActionComment: nil,
}

// Effects returns the caches reconciled after a confirmed action.
func Effects(a Action) []Effect {
	return append([]Effect(nil), effects[a]...)
}
