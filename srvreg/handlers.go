package srvreg

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/supplysphere/node/repository"
	"github.com/supplysphere/node/repository/models"
)

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

// statusForCode maps repository error codes onto HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case repository.ErrCodeUnauthorized:
		return http.StatusForbidden
	case repository.ErrCodeNotFound:
		return http.StatusNotFound
	case repository.ErrCodeAlreadyFunded, repository.ErrCodeOutOfOrder, repository.ErrCodeInvalidState:
		return http.StatusConflict
	case repository.ErrCodeInsufficientBalance, repository.ErrCodeInsufficientAllowance:
		return http.StatusPaymentRequired
	case repository.ErrCodeUnknownToken, repository.ErrCodeBadRequest, repository.PgErrForeignKeyViolation:
		return http.StatusBadRequest
	case repository.PgErrUniqueViolation:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse renders a repository error in the teacher-standard shape.
func errorResponse(repoErr *repository.RepositoryError) (*Response, error) {
	body, _ := json.Marshal(map[string]string{
		"error":  repoErr.Message,
		"code":   repoErr.Code,
		"detail": repoErr.Detail,
	})
	return &Response{
		StatusCode: statusForCode(repoErr.Code),
		Headers:    defaultHeaders,
		Body:       string(body),
	}, fmt.Errorf("%s: %s", repoErr.Code, repoErr.Detail)
}

func badBody(err error) (*Response, error) {
	return &Response{
		StatusCode: http.StatusUnprocessableEntity,
		Headers:    defaultHeaders,
		Body:       fmt.Sprintf(`{"error":"Invalid body format: %s"}`, err.Error()),
	}, fmt.Errorf("invalid body format")
}

func badPath() (*Response, error) {
	return &Response{
		StatusCode: http.StatusBadRequest,
		Headers:    defaultHeaders,
		Body:       `{"error":"Invalid path format"}`,
	}, fmt.Errorf("invalid path format")
}

func jsonResponse(statusCode int, payload interface{}) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Failed to encode response"}`,
		}, nil
	}
	return &Response{
		StatusCode: statusCode,
		Headers:    defaultHeaders,
		Body:       string(body),
	}, nil
}

// pathID parses the path segment at position idx as a numeric id.
func pathID(path string, wantParts, idx int) (uint, bool) {
	parts := strings.Split(path, "/")
	if len(parts) != wantParts {
		return 0, false
	}
	id, err := strconv.ParseUint(parts[idx], 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

// Accounts

type registerAccountBody struct {
	AccountID string `json:"account_id"`
	Role      string `json:"role"`
}

// RegisterAccountHandler self-assigns a role to the calling account.
func (sr *ServiceRegistry) RegisterAccountHandler(req *Request) (*Response, error) {
	var body registerAccountBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return badBody(err)
	}
	if body.AccountID == "" {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"account_id is required"}`,
		}, fmt.Errorf("account_id is required")
	}

	if repoErr := sr.repository.RegisterRole(body.AccountID, body.Role); repoErr != nil {
		return errorResponse(repoErr)
	}

	return jsonResponse(http.StatusCreated, map[string]string{
		"message":    "Role registered",
		"account_id": body.AccountID,
		"role":       body.Role,
	})
}

// AccountRolesHandler lists the roles held by an account.
func (sr *ServiceRegistry) AccountRolesHandler(req *Request) (*Response, error) {
	parts := strings.Split(req.Path, "/")
	if len(parts) != 4 {
		return badPath()
	}
	accountID := parts[2]

	roles, repoErr := sr.repository.AccountRoles(accountID)
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"roles":      roles,
	})
}

// AccountBalanceHandler reports an account's balance and its standing
// allowance toward the escrow account.
func (sr *ServiceRegistry) AccountBalanceHandler(req *Request) (*Response, error) {
	parts := strings.Split(req.Path, "/")
	if len(parts) != 4 {
		return badPath()
	}
	accountID := parts[2]

	l := sr.repository.Ledger()
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"account_id":       accountID,
		"denom":            l.Denom(),
		"balance":          l.BalanceOf(accountID),
		"escrow_allowance": l.Allowance(accountID, repository.EscrowAccount),
	})
}

type approveBody struct {
	Amount uint64 `json:"amount"`
}

// ApproveHandler authorizes the escrow account to pull funds from the
// caller, the prerequisite for funding a chain.
func (sr *ServiceRegistry) ApproveHandler(req *Request) (*Response, error) {
	parts := strings.Split(req.Path, "/")
	if len(parts) != 4 {
		return badPath()
	}
	accountID := parts[2]

	var body approveBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return badBody(err)
	}

	l := sr.repository.Ledger()
	l.Approve(accountID, repository.EscrowAccount, body.Amount)

	return jsonResponse(http.StatusOK, map[string]interface{}{
		"account_id":       accountID,
		"escrow_allowance": l.Allowance(accountID, repository.EscrowAccount),
	})
}

// Catalogs

type addListingBody struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Price     uint64 `json:"price"`
	Tax       uint64 `json:"tax"`
	Quantity  uint64 `json:"quantity"`
	Volume    uint64 `json:"volume"`
}

type removeListingBody struct {
	AccountID string `json:"account_id"`
}

// AddRawMaterialHandler lists a raw material. Seller role required.
func (sr *ServiceRegistry) AddRawMaterialHandler(req *Request) (*Response, error) {
	var body addListingBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return badBody(err)
	}

	listing, repoErr := sr.repository.AddRawMaterial(body.AccountID, body.Name, body.Price, body.Tax, body.Quantity)
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusCreated, listing)
}

func (sr *ServiceRegistry) GetRawMaterialHandler(req *Request) (*Response, error) {
	id, ok := pathID(req.Path, 4, 3)
	if !ok {
		return badPath()
	}
	listing, repoErr := sr.repository.GetRawMaterial(id)
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, listing)
}

func (sr *ServiceRegistry) GetAllRawMaterialsHandler(req *Request) (*Response, error) {
	listings, repoErr := sr.repository.GetAllRawMaterials()
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, listings)
}

func (sr *ServiceRegistry) RemoveRawMaterialHandler(req *Request) (*Response, error) {
	id, ok := pathID(req.Path, 4, 3)
	if !ok {
		return badPath()
	}
	var body removeListingBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return badBody(err)
	}
	if repoErr := sr.repository.RemoveRawMaterial(body.AccountID, id); repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{"message": "Raw material removed", "id": id})
}

// AddProductHandler lists a product. Manufacturer role required.
func (sr *ServiceRegistry) AddProductHandler(req *Request) (*Response, error) {
	var body addListingBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return badBody(err)
	}

	listing, repoErr := sr.repository.AddProduct(body.AccountID, body.Name, body.Price, body.Tax, body.Quantity)
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusCreated, listing)
}

func (sr *ServiceRegistry) GetProductHandler(req *Request) (*Response, error) {
	id, ok := pathID(req.Path, 4, 3)
	if !ok {
		return badPath()
	}
	listing, repoErr := sr.repository.GetProduct(id)
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, listing)
}

func (sr *ServiceRegistry) GetAllProductsHandler(req *Request) (*Response, error) {
	listings, repoErr := sr.repository.GetAllProducts()
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, listings)
}

func (sr *ServiceRegistry) RemoveProductHandler(req *Request) (*Response, error) {
	id, ok := pathID(req.Path, 4, 3)
	if !ok {
		return badPath()
	}
	var body removeListingBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return badBody(err)
	}
	if repoErr := sr.repository.RemoveProduct(body.AccountID, id); repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{"message": "Product removed", "id": id})
}

// AddServiceHandler lists a service. Seller role required.
func (sr *ServiceRegistry) AddServiceHandler(req *Request) (*Response, error) {
	var body addListingBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return badBody(err)
	}

	listing, repoErr := sr.repository.AddService(body.AccountID, body.Name, body.Price, body.Tax, body.Quantity, body.Volume)
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusCreated, listing)
}

func (sr *ServiceRegistry) GetServiceHandler(req *Request) (*Response, error) {
	id, ok := pathID(req.Path, 4, 3)
	if !ok {
		return badPath()
	}
	listing, repoErr := sr.repository.GetService(id)
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, listing)
}

func (sr *ServiceRegistry) GetAllServicesHandler(req *Request) (*Response, error) {
	listings, repoErr := sr.repository.GetAllServices()
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, listings)
}

func (sr *ServiceRegistry) RemoveServiceHandler(req *Request) (*Response, error) {
	id, ok := pathID(req.Path, 4, 3)
	if !ok {
		return badPath()
	}
	var body removeListingBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return badBody(err)
	}
	if repoErr := sr.repository.RemoveService(body.AccountID, id); repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{"message": "Service removed", "id": id})
}

// AddLogisticHandler lists a shipping offer. Transporter role required.
func (sr *ServiceRegistry) AddLogisticHandler(req *Request) (*Response, error) {
	var body addListingBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return badBody(err)
	}

	listing, repoErr := sr.repository.AddLogistic(body.AccountID, body.Name, body.Price)
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusCreated, listing)
}

func (sr *ServiceRegistry) GetLogisticHandler(req *Request) (*Response, error) {
	id, ok := pathID(req.Path, 4, 3)
	if !ok {
		return badPath()
	}
	listing, repoErr := sr.repository.GetLogistic(id)
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, listing)
}

func (sr *ServiceRegistry) GetAllLogisticsHandler(req *Request) (*Response, error) {
	listings, repoErr := sr.repository.GetAllLogistics()
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, listings)
}

func (sr *ServiceRegistry) RemoveLogisticHandler(req *Request) (*Response, error) {
	id, ok := pathID(req.Path, 4, 3)
	if !ok {
		return badPath()
	}
	var body removeListingBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return badBody(err)
	}
	if repoErr := sr.repository.RemoveLogistic(body.AccountID, id); repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, map[string]interface{}{"message": "Logistic removed", "id": id})
}

// Supply chains

type createChainBody struct {
	AccountID   string                 `json:"account_id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Steps       []repository.StepInput `json:"steps"`
}

// chainView augments the stored chain with its derived completion state.
type chainView struct {
	*models.SupplyChain
	Completed bool `json:"completed"`
}

// CreateSupplyChainHandler builds a chain from catalog references.
// Manufacturer role required.
func (sr *ServiceRegistry) CreateSupplyChainHandler(req *Request) (*Response, error) {
	var body createChainBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return badBody(err)
	}

	chain, repoErr := sr.repository.CreateSupplyChain(body.AccountID, body.Name, body.Description, body.Steps)
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusCreated, chainView{SupplyChain: chain, Completed: chain.Completed()})
}

func (sr *ServiceRegistry) GetSupplyChainHandler(req *Request) (*Response, error) {
	id, ok := pathID(req.Path, 3, 2)
	if !ok {
		return badPath()
	}
	chain, repoErr := sr.repository.GetSupplyChain(id)
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, chainView{SupplyChain: chain, Completed: chain.Completed()})
}

func (sr *ServiceRegistry) GetAllSupplyChainsHandler(req *Request) (*Response, error) {
	chains, repoErr := sr.repository.GetAllSupplyChains()
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	views := make([]chainView, 0, len(chains))
	for i := range chains {
		views = append(views, chainView{SupplyChain: &chains[i], Completed: chains[i].Completed()})
	}
	return jsonResponse(http.StatusOK, views)
}

type fundChainBody struct {
	AccountID string `json:"account_id"`
	Token     string `json:"token"`
}

// FundChainHandler deposits the chain's total cost into escrow. Owner
// only, one-shot.
func (sr *ServiceRegistry) FundChainHandler(req *Request) (*Response, error) {
	id, ok := pathID(req.Path, 4, 2)
	if !ok {
		return badPath()
	}
	var body fundChainBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return badBody(err)
	}

	chain, repoErr := sr.repository.FundChain(body.AccountID, id, body.Token)
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusOK, chainView{SupplyChain: chain, Completed: chain.Completed()})
}

type confirmStepBody struct {
	AccountID string `json:"account_id"`
}

// confirmStepRequest parses a confirmation path and body and runs the
// matching repository operation.
func (sr *ServiceRegistry) confirmStepRequest(req *Request, confirm func(caller string, chainID uint, stepIndex int) (*models.SupplyChainStep, *repository.RepositoryError)) (*Response, error) {
	parts := strings.Split(req.Path, "/")
	if len(parts) != 6 {
		return badPath()
	}
	chainID, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return badPath()
	}
	stepIndex, err := strconv.Atoi(parts[4])
	if err != nil {
		return badPath()
	}

	var body confirmStepBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return badBody(err)
	}

	step, repoErr := confirm(body.AccountID, uint(chainID), stepIndex)
	if repoErr != nil {
		return errorResponse(repoErr)
	}
	return jsonResponse(http.StatusAccepted, step)
}

// ConfirmSenderHandler records the sender's attestation for a step.
func (sr *ServiceRegistry) ConfirmSenderHandler(req *Request) (*Response, error) {
	return sr.confirmStepRequest(req, sr.repository.ConfirmSender)
}

// ConfirmTransporterReceivedHandler records pickup by the transporter.
func (sr *ServiceRegistry) ConfirmTransporterReceivedHandler(req *Request) (*Response, error) {
	return sr.confirmStepRequest(req, sr.repository.ConfirmTransporterReceived)
}

// ConfirmTransporterDeliveredHandler records drop-off at the receiver.
func (sr *ServiceRegistry) ConfirmTransporterDeliveredHandler(req *Request) (*Response, error) {
	return sr.confirmStepRequest(req, sr.repository.ConfirmTransporterDelivered)
}

// ConfirmReceiverHandler records the receiver's attestation and releases
// the step's escrowed funds.
func (sr *ServiceRegistry) ConfirmReceiverHandler(req *Request) (*Response, error) {
	return sr.confirmStepRequest(req, sr.repository.ConfirmReceiver)
}
