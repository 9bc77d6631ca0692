package srvreg

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/supplysphere/node/repository"
)

// Request represents the client's original HTTP request. It is the
// deterministic half of what gets replicated through consensus.
type Request struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	RemoteAddr string            `json:"remote_addr"`
	RequestID  string            `json:"request_id"`
	Timestamp  time.Time         `json:"timestamp"`
}

// GenerateRequestID derives a deterministic ID from the request fields.
func (r *Request) GenerateRequestID() {
	hasher := sha256.New()
	hasher.Write([]byte(fmt.Sprintf("%s-%s-%s-%s", r.Path, r.Method, r.Body, r.Timestamp)))
	r.RequestID = hex.EncodeToString(hasher.Sum(nil)[:16])
}

// Response is the computed response for a request, compared across nodes
// to detect divergent execution.
type Response struct {
	StatusCode    int               `json:"status_code"`
	Headers       map[string]string `json:"headers"`
	Body          string            `json:"body"`
	Error         string            `json:"error,omitempty"`
	BodyInterface interface{}       `json:"body_interface"`
}

// ParseBody attempts to parse the Response's Body field as JSON and
// returns the structured data, or nil if the body is not valid JSON.
func (r *Response) ParseBody() interface{} {
	if r.Body == "" {
		return nil
	}

	var bodyMap map[string]interface{}
	if err := json.Unmarshal([]byte(r.Body), &bodyMap); err == nil {
		return bodyMap
	}

	var bodyArray []interface{}
	if err := json.Unmarshal([]byte(r.Body), &bodyArray); err == nil {
		return bodyArray
	}

	return nil
}

// Transaction pairs a Request with the Response the originating node
// computed for it. This is the unit stored on chain.
type Transaction struct {
	Request      Request  `json:"request"`
	Response     Response `json:"response"`
	OriginNodeID string   `json:"origin_node_id"`
	BlockHeight  int64    `json:"block_height,omitempty"`
}

// SerializeToBytes converts the transaction to bytes for block storage.
func (t *Transaction) SerializeToBytes() ([]byte, error) {
	return json.Marshal(t)
}

// ServiceHandler executes one coordination operation.
type ServiceHandler func(*Request) (*Response, error)

// RouteKey uniquely identifies a route.
type RouteKey struct {
	Method string
	Path   string
}

// ServiceRegistry maps routes to the handlers that execute coordination
// operations deterministically on every node.
type ServiceRegistry struct {
	handlers    map[RouteKey]ServiceHandler
	exactRoutes map[RouteKey]bool
	mu          sync.RWMutex
	repository  *repository.Repository
	logger      cmtlog.Logger
	isByzantine bool
}

// NewServiceRegistry creates an empty registry. The byzantine switch
// corrupts successful responses, used to exercise the replication check.
func NewServiceRegistry(repo *repository.Repository, logger cmtlog.Logger, isByzantine bool) *ServiceRegistry {
	return &ServiceRegistry{
		handlers:    make(map[RouteKey]ServiceHandler),
		exactRoutes: make(map[RouteKey]bool),
		repository:  repo,
		logger:      logger,
		isByzantine: isByzantine,
	}
}

// RegisterHandler registers a handler for a method and path. Non-exact
// paths may contain :param segments.
func (sr *ServiceRegistry) RegisterHandler(method, path string, isExactPath bool, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
	sr.exactRoutes[key] = isExactPath
}

// GetHandlerForPath finds the handler for a path, trying exact routes
// before patterns.
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (ServiceHandler, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	if handler, ok := sr.handlers[key]; ok {
		if sr.exactRoutes[key] {
			return handler, true
		}
	}

	for routeKey, handler := range sr.handlers {
		if routeKey.Method != strings.ToUpper(method) {
			continue
		}
		if sr.exactRoutes[routeKey] {
			continue
		}
		if matchPath(routeKey.Path, path) {
			return handler, true
		}
	}

	return nil, false
}

// matchPath matches patterns like "/chains/:id/fund" against
// "/chains/3/fund".
func matchPath(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return false
	}

	for i := range len(patternParts) {
		if strings.HasPrefix(patternParts[i], ":") {
			continue
		}
		if patternParts[i] != pathParts[i] {
			return false
		}
	}

	return true
}

// RegisterDefaultServices wires every coordination operation: role
// registration, the four catalogs, and the supply chain engine.
func (sr *ServiceRegistry) RegisterDefaultServices() {
	// Accounts
	sr.RegisterHandler("POST", "/account/register", true, sr.RegisterAccountHandler)
	sr.RegisterHandler("GET", "/account/:id/roles", false, sr.AccountRolesHandler)
	sr.RegisterHandler("GET", "/account/:id/balance", false, sr.AccountBalanceHandler)
	sr.RegisterHandler("POST", "/account/:id/approve", false, sr.ApproveHandler)

	// Catalogs
	sr.RegisterHandler("POST", "/catalog/raw-materials", true, sr.AddRawMaterialHandler)
	sr.RegisterHandler("GET", "/catalog/raw-materials", true, sr.GetAllRawMaterialsHandler)
	sr.RegisterHandler("GET", "/catalog/raw-materials/:id", false, sr.GetRawMaterialHandler)
	sr.RegisterHandler("DELETE", "/catalog/raw-materials/:id", false, sr.RemoveRawMaterialHandler)

	sr.RegisterHandler("POST", "/catalog/products", true, sr.AddProductHandler)
	sr.RegisterHandler("GET", "/catalog/products", true, sr.GetAllProductsHandler)
	sr.RegisterHandler("GET", "/catalog/products/:id", false, sr.GetProductHandler)
	sr.RegisterHandler("DELETE", "/catalog/products/:id", false, sr.RemoveProductHandler)

	sr.RegisterHandler("POST", "/catalog/services", true, sr.AddServiceHandler)
	sr.RegisterHandler("GET", "/catalog/services", true, sr.GetAllServicesHandler)
	sr.RegisterHandler("GET", "/catalog/services/:id", false, sr.GetServiceHandler)
	sr.RegisterHandler("DELETE", "/catalog/services/:id", false, sr.RemoveServiceHandler)

	sr.RegisterHandler("POST", "/catalog/logistics", true, sr.AddLogisticHandler)
	sr.RegisterHandler("GET", "/catalog/logistics", true, sr.GetAllLogisticsHandler)
	sr.RegisterHandler("GET", "/catalog/logistics/:id", false, sr.GetLogisticHandler)
	sr.RegisterHandler("DELETE", "/catalog/logistics/:id", false, sr.RemoveLogisticHandler)

	// Supply chains
	sr.RegisterHandler("POST", "/chains", true, sr.CreateSupplyChainHandler)
	sr.RegisterHandler("GET", "/chains", true, sr.GetAllSupplyChainsHandler)
	sr.RegisterHandler("GET", "/chains/:id", false, sr.GetSupplyChainHandler)
	sr.RegisterHandler("POST", "/chains/:id/fund", false, sr.FundChainHandler)
	sr.RegisterHandler("POST", "/chains/:id/steps/:index/confirm-sender", false, sr.ConfirmSenderHandler)
	sr.RegisterHandler("POST", "/chains/:id/steps/:index/confirm-received", false, sr.ConfirmTransporterReceivedHandler)
	sr.RegisterHandler("POST", "/chains/:id/steps/:index/confirm-delivered", false, sr.ConfirmTransporterDeliveredHandler)
	sr.RegisterHandler("POST", "/chains/:id/steps/:index/confirm-receiver", false, sr.ConfirmReceiverHandler)
}

// GenerateResponse executes the request against the registered handler.
func (req *Request) GenerateResponse(services *ServiceRegistry) (*Response, error) {
	handler, found := services.GetHandlerForPath(req.Method, req.Path)
	if !found {
		return &Response{
			StatusCode: http.StatusNotFound,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       fmt.Sprintf("Service not found for %s %s", req.Method, req.Path),
		}, nil
	}

	response, err := handler(req)

	if services.isByzantine {
		if response.StatusCode == http.StatusOK || response.StatusCode == http.StatusCreated {
			response.Body = `{"message": "Byzantine node response - data corrupted"}`
			response.StatusCode = http.StatusInternalServerError
		}
		services.logger.Info("Byzantine node response", "body", response.Body)
	}

	return response, err
}

// ConvertHttpRequestToConsensusRequest converts an http.Request into the
// deterministic Request form.
func ConvertHttpRequestToConsensusRequest(r *http.Request, requestID string) (*Request, error) {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	body := ""
	if r.Body != nil {
		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		raw := strings.TrimSpace(string(bodyBytes))
		body = compactJSON(raw)
	}

	return &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		RequestID:  requestID,
		Timestamp:  time.Now(),
	}, nil
}

func compactJSON(body string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(body)); err != nil {
		return strings.TrimSpace(body)
	}
	return buf.String()
}
