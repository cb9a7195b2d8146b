package common

const (
	ComponentWatcher       = "watcher"
	ComponentChainCursor   = "chain-cursor"
	ComponentReorgDetector = "reorg-detector"
	ComponentHub           = "hub"
	ComponentHubRPC        = "hub-rpc"
	ComponentHubMirror     = "hub-mirror"
	ComponentScanner       = "scanner"
	ComponentDispatch      = "dispatch"
	ComponentRuntime       = "runtime"
	ComponentManager       = "manager"
	ComponentRegistrar     = "registrar"
	ComponentStore         = "store"
	ComponentNotifier      = "notifier"
	ComponentAPI           = "api"
	ComponentMaintenance   = "maintenance"
)

var AllComponents = map[string]struct{}{
	ComponentWatcher:       {},
	ComponentChainCursor:   {},
	ComponentReorgDetector: {},
	ComponentHub:           {},
	ComponentHubRPC:        {},
	ComponentHubMirror:     {},
	ComponentScanner:       {},
	ComponentDispatch:      {},
	ComponentRuntime:       {},
	ComponentManager:       {},
	ComponentRegistrar:     {},
	ComponentStore:         {},
	ComponentNotifier:      {},
	ComponentAPI:           {},
	ComponentMaintenance:   {},
}
