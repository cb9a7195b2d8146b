// Package api provides the admin REST API for MultiChainIndexor
// @title MultiChainIndexor API
// @version 1.0
// @description REST API for managing indexer deployments and querying their entities
// @contact.name API Support
// @contact.url https://github.com/goran-ethernal/MultiChainIndexor
// @license.name Apache 2.0
// @license.url https://www.apache.org/licenses/LICENSE-2.0.html
// @host localhost:8080
// @basePath /api/v1
// @schemes http https
package api
