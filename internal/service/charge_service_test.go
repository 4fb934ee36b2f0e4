package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/EmmaGHimself/payment/internal/models"
	"github.com/EmmaGHimself/payment/internal/payerr"
	"github.com/EmmaGHimself/payment/internal/provider"
)

// fakeStore is an in-memory ChargeStore with the same write semantics as
// the SQL implementation: unique merchant references, conditional
// success and metadata writes.
type fakeStore struct {
	mu           sync.Mutex
	nextID       int64
	infos        map[int64]*models.ChargeInfo
	infoByRef    map[string]int64
	charges      map[int64]*models.Charge
	byIdentifier map[string]int64
	history      []*models.ChargeHistory
	metadata     map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		infos:        make(map[int64]*models.ChargeInfo),
		infoByRef:    make(map[string]int64),
		charges:      make(map[int64]*models.Charge),
		byIdentifier: make(map[string]int64),
		metadata:     make(map[string]string),
	}
}

func (f *fakeStore) metaKey(chargeID int64, name string) string {
	return fmt.Sprintf("%d/%s", chargeID, name)
}

func (f *fakeStore) CreateWithInfo(ctx context.Context, info *models.ChargeInfo, charge *models.Charge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.infoByRef[info.MerchantReference]; exists {
		return payerr.ErrDuplicateTransaction
	}
	f.nextID++
	info.ID = f.nextID
	f.infos[info.ID] = info
	f.infoByRef[info.MerchantReference] = info.ID

	f.nextID++
	charge.ID = f.nextID
	charge.ChargeInfoID = info.ID
	f.charges[charge.ID] = charge
	f.byIdentifier[charge.Identifier] = charge.ID
	return nil
}

func (f *fakeStore) GetByID(ctx context.Context, id int64) (*models.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.charges[id], nil
}

func (f *fakeStore) GetByIdentifier(ctx context.Context, identifier string) (*models.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byIdentifier[identifier]
	if !ok {
		return nil, nil
	}
	return f.charges[id], nil
}

func (f *fakeStore) GetByMetadata(ctx context.Context, name, value string) (*models.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.charges {
		if f.metadata[f.metaKey(id, name)] == value {
			return f.charges[id], nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetInfoByID(ctx context.Context, id int64) (*models.ChargeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infos[id], nil
}

func (f *fakeStore) GetInfoByReference(ctx context.Context, merchantID, reference string) (*models.ChargeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.infoByRef[reference]
	if !ok {
		return nil, nil
	}
	info := f.infos[id]
	if info.MerchantID != merchantID {
		return nil, nil
	}
	return info, nil
}

func (f *fakeStore) GetLatestByInfoID(ctx context.Context, infoID int64) (*models.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.Charge
	for _, c := range f.charges {
		if c.ChargeInfoID == infoID && (latest == nil || c.ID > latest.ID) {
			latest = c
		}
	}
	return latest, nil
}

func (f *fakeStore) MarkSuccessful(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.charges[id]
	if !ok || c.Successful {
		return false, nil
	}
	c.Successful = true
	c.Status = models.ChargeStatusSuccessful
	return true, nil
}

func (f *fakeStore) SetService(ctx context.Context, id int64, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.charges[id]; ok {
		c.Service = service
	}
	return nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id int64, status models.ChargeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.charges[id]; ok {
		c.Status = status
	}
	return nil
}

func (f *fakeStore) MarkSettled(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.charges[id]
	if !ok || c.Settled {
		return false, nil
	}
	c.Settled = true
	return true, nil
}

func (f *fakeStore) AppendHistory(ctx context.Context, h *models.ChargeHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, h)
	return nil
}

func (f *fakeStore) SaveMetadata(ctx context.Context, chargeID int64, name, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.metaKey(chargeID, name)
	if _, exists := f.metadata[key]; exists {
		return false, nil
	}
	f.metadata[key] = value
	return true, nil
}

func (f *fakeStore) UpsertMetadata(ctx context.Context, chargeID int64, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata[f.metaKey(chargeID, name)] = value
	return nil
}

func (f *fakeStore) GetMetadata(ctx context.Context, chargeID int64, name string) (*models.ChargeMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.metadata[f.metaKey(chargeID, name)]
	if !ok {
		return nil, nil
	}
	return &models.ChargeMetadata{ChargeID: chargeID, Name: name, Value: value}, nil
}

func (f *fakeStore) historyByActivity(activity string) []*models.ChargeHistory {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows []*models.ChargeHistory
	for _, h := range f.history {
		if h.Activity == activity {
			rows = append(rows, h)
		}
	}
	return rows
}

// fakeQueue records accepted tasks and, like the consumer, writes a
// settlement record for each. failNext makes that many enqueues fail
// first, as when the broker is unreachable.
type fakeQueue struct {
	mu          sync.Mutex
	enqueued    []int64
	triggers    []string
	failNext    int
	settlements *fakeSettlements
}

func (q *fakeQueue) Enqueue(ctx context.Context, chargeID int64, trigger string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failNext > 0 {
		q.failNext--
		return fmt.Errorf("broker unavailable")
	}
	q.enqueued = append(q.enqueued, chargeID)
	q.triggers = append(q.triggers, trigger)
	if q.settlements != nil {
		q.settlements.record(chargeID)
	}
	return nil
}

type fakeSettlements struct {
	mu   sync.Mutex
	rows map[int64]*models.Settlement
}

func newFakeSettlements() *fakeSettlements {
	return &fakeSettlements{rows: make(map[int64]*models.Settlement)}
}

func (s *fakeSettlements) GetByChargeID(ctx context.Context, chargeID int64) (*models.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[chargeID], nil
}

func (s *fakeSettlements) record(chargeID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[chargeID] = &models.Settlement{ChargeID: chargeID}
}

type fakeSettler struct {
	settled []int64
}

func (s *fakeSettler) SettleManually(ctx context.Context, charge *models.Charge, reason string) (*models.Settlement, error) {
	if charge.Settled {
		return nil, payerr.ErrAlreadySettled
	}
	s.settled = append(s.settled, charge.ID)
	return &models.Settlement{ChargeID: charge.ID, ManualSettlement: true, Reason: reason}, nil
}

// fakeProvider returns canned results keyed by operation.
type fakeProvider struct {
	name         string
	chargeResult *provider.Result
	verifyResult *provider.Result
	submitResult *provider.Result
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) CreateCharge(ctx context.Context, req *provider.ChargeRequest) (*provider.Result, error) {
	return p.chargeResult, nil
}

func (p *fakeProvider) VerifyTransaction(ctx context.Context, reference string) (*provider.Result, error) {
	return p.verifyResult, nil
}

func (p *fakeProvider) SubmitValidation(ctx context.Context, reference string, data map[string]string) (*provider.Result, error) {
	return p.submitResult, nil
}

func (p *fakeProvider) ProcessWebhook(payload []byte, signature string) (*provider.Result, error) {
	return nil, fmt.Errorf("not implemented")
}

const testPublicKey = "pk_test_merchant"

func newTestService(t *testing.T, p provider.Provider) (*ChargeService, *fakeStore, *fakeQueue, *fakeSettler) {
	t.Helper()
	store := newFakeStore()
	settlements := newFakeSettlements()
	queue := &fakeQueue{settlements: settlements}
	settler := &fakeSettler{}
	registry := provider.NewRegistry()
	if p != nil {
		registry.Register(p)
	}
	merchants := NewStaticMerchantResolver(&Merchant{
		ID:        "merchant-1",
		Name:      "Test Merchant",
		PublicKey: testPublicKey,
	})
	svc := NewChargeService(store, registry, queue, settler, settlements, merchants, zap.NewNop())
	return svc, store, queue, settler
}

func validInitiateRequest(reference string) *InitiateRequest {
	return &InitiateRequest{
		Amount:     "250000",
		Reference:  reference,
		PublicKey:  testPublicKey,
		Hash:       ComputeRequestHash("250000", testPublicKey, reference, ""),
		Email:      "customer@example.com",
		CustomerID: "cust-1",
	}
}

func initiateCharge(t *testing.T, svc *ChargeService, reference string) *InitiateResponse {
	t.Helper()
	resp, err := svc.Initiate(context.Background(), validInitiateRequest(reference))
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	return resp
}

func TestInitiateCreatesPendingCharge(t *testing.T) {
	svc, store, queue, _ := newTestService(t, nil)

	resp := initiateCharge(t, svc, "REF-001")

	if resp.Status != string(models.ChargeStatusPending) {
		t.Errorf("status = %s, want pending", resp.Status)
	}
	if resp.Amount != 250000 {
		t.Errorf("amount = %d, want 250000", resp.Amount)
	}
	if len(resp.Identifier) != 10 {
		t.Errorf("identifier length = %d, want 10", len(resp.Identifier))
	}
	if len(resp.Channels) == 0 {
		t.Error("expected payment channels in response")
	}
	if rows := store.historyByActivity(models.ActivityMakePayment); len(rows) != 1 {
		t.Errorf("MAKE_PAYMENT history rows = %d, want 1", len(rows))
	}
	if len(queue.enqueued) != 0 {
		t.Error("initiate must not enqueue settlement")
	}
}

func TestInitiateRejectsInvalidHash(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)

	req := validInitiateRequest("REF-002")
	req.Hash = ComputeRequestHash("999999", testPublicKey, "REF-002", "")

	if _, err := svc.Initiate(context.Background(), req); !payerr.Is(err, payerr.ErrInvalidHash) {
		t.Fatalf("Initiate() error = %v, want ErrInvalidHash", err)
	}
}

func TestInitiateRejectsUnknownMerchant(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)

	req := validInitiateRequest("REF-003")
	req.PublicKey = "pk_test_unknown"
	req.Hash = ComputeRequestHash(req.Amount, req.PublicKey, req.Reference, "")

	if _, err := svc.Initiate(context.Background(), req); !payerr.Is(err, payerr.ErrInvalidMerchant) {
		t.Fatalf("Initiate() error = %v, want ErrInvalidMerchant", err)
	}
}

func TestInitiateRejectsDuplicateReference(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)

	initiateCharge(t, svc, "REF-004")

	if _, err := svc.Initiate(context.Background(), validInitiateRequest("REF-004")); !payerr.Is(err, payerr.ErrDuplicateTransaction) {
		t.Fatalf("Initiate() error = %v, want ErrDuplicateTransaction", err)
	}
}

func TestInitiateRejectsBadAmount(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)

	for _, amount := range []string{"0", "-100", "12.50", "abc"} {
		req := validInitiateRequest("REF-" + amount)
		req.Amount = amount
		req.Hash = ComputeRequestHash(amount, testPublicKey, req.Reference, "")
		if _, err := svc.Initiate(context.Background(), req); !payerr.Is(err, payerr.ErrValidation) {
			t.Errorf("Initiate(amount=%s) error = %v, want ErrValidation", amount, err)
		}
	}
}

func TestSubmitValidationCompletesCharge(t *testing.T) {
	p := &fakeProvider{
		name: provider.Paystack,
		submitResult: &provider.Result{
			Success:        true,
			Message:        "Payment successful",
			ActionRequired: provider.ActionCompleted,
		},
	}
	svc, store, queue, _ := newTestService(t, p)
	resp := initiateCharge(t, svc, "REF-010")

	result, err := svc.SubmitValidation(context.Background(), resp.Identifier, "otp", map[string]string{"otp": "123456"})
	if err != nil {
		t.Fatalf("SubmitValidation() error = %v", err)
	}
	if result.ActionRequired != provider.ActionCompleted {
		t.Errorf("action = %s, want completed", result.ActionRequired)
	}

	charge, _ := store.GetByIdentifier(context.Background(), resp.Identifier)
	if !charge.Successful || charge.Status != models.ChargeStatusSuccessful {
		t.Errorf("charge = %+v, want successful", charge)
	}
	if len(queue.enqueued) != 1 || queue.enqueued[0] != charge.ID {
		t.Errorf("enqueued = %v, want [%d]", queue.enqueued, charge.ID)
	}
	if queue.triggers[0] != "validation" {
		t.Errorf("trigger = %s, want validation", queue.triggers[0])
	}

	rows := store.historyByActivity(models.ActivitySubmitValidation)
	if len(rows) != 1 {
		t.Fatalf("SUBMIT_VALIDATION history rows = %d, want 1", len(rows))
	}
	if rows[0].Status != models.ChargeStatusSuccessful {
		t.Errorf("history status = %s, want successful", rows[0].Status)
	}
}

func TestSubmitValidationRecordsFailedAttempt(t *testing.T) {
	p := &fakeProvider{
		name: provider.Paystack,
		submitResult: &provider.Result{
			Success:        false,
			Message:        "Incorrect OTP",
			ActionRequired: provider.ActionEnterOTP,
		},
	}
	svc, store, queue, _ := newTestService(t, p)
	resp := initiateCharge(t, svc, "REF-011")

	if _, err := svc.SubmitValidation(context.Background(), resp.Identifier, "otp", map[string]string{"otp": "000000"}); err != nil {
		t.Fatalf("SubmitValidation() error = %v", err)
	}

	charge, _ := store.GetByIdentifier(context.Background(), resp.Identifier)
	if charge.Status != models.ChargeStatusPending {
		t.Errorf("status = %s, want pending after retryable failure", charge.Status)
	}
	if rows := store.historyByActivity(models.ActivitySubmitValidation); len(rows) != 1 {
		t.Errorf("SUBMIT_VALIDATION history rows = %d, want 1", len(rows))
	}
	if len(queue.enqueued) != 0 {
		t.Error("failed validation must not enqueue settlement")
	}
}

func TestSubmitValidationRejectsNonPending(t *testing.T) {
	p := &fakeProvider{name: provider.Paystack}
	svc, store, _, _ := newTestService(t, p)
	resp := initiateCharge(t, svc, "REF-012")

	charge, _ := store.GetByIdentifier(context.Background(), resp.Identifier)
	store.UpdateStatus(context.Background(), charge.ID, models.ChargeStatusCancelled)

	if _, err := svc.SubmitValidation(context.Background(), resp.Identifier, "otp", nil); !payerr.Is(err, payerr.ErrValidation) {
		t.Fatalf("SubmitValidation() error = %v, want ErrValidation", err)
	}
}

func TestRequeryAppliesSuccessOnce(t *testing.T) {
	p := &fakeProvider{
		name: provider.Paystack,
		verifyResult: &provider.Result{
			Success:        true,
			Message:        "Verification successful",
			ActionRequired: provider.ActionCompleted,
		},
	}
	svc, store, queue, _ := newTestService(t, p)
	resp := initiateCharge(t, svc, "REF-020")

	for i := 0; i < 3; i++ {
		if _, err := svc.Requery(context.Background(), resp.Identifier); err != nil {
			t.Fatalf("Requery() error = %v", err)
		}
	}

	charge, _ := store.GetByIdentifier(context.Background(), resp.Identifier)
	if !charge.Successful {
		t.Error("expected charge successful after requery")
	}
	if len(queue.enqueued) != 1 {
		t.Errorf("settlement enqueued %d times, want 1", len(queue.enqueued))
	}
	if rows := store.historyByActivity(models.ActivityRequery); len(rows) != 1 {
		t.Errorf("REQUERY history rows = %d, want 1", len(rows))
	}
}

func TestRequeryReenqueuesLostSettlement(t *testing.T) {
	p := &fakeProvider{
		name: provider.Paystack,
		verifyResult: &provider.Result{
			Success:        true,
			Message:        "Verification successful",
			ActionRequired: provider.ActionCompleted,
		},
	}
	svc, store, queue, _ := newTestService(t, p)
	resp := initiateCharge(t, svc, "REF-021")
	queue.failNext = 1

	if _, err := svc.Requery(context.Background(), resp.Identifier); !payerr.Is(err, payerr.ErrInternal) {
		t.Fatalf("Requery() with broker down error = %v, want ErrInternal", err)
	}

	charge, _ := store.GetByIdentifier(context.Background(), resp.Identifier)
	if !charge.Successful {
		t.Fatal("success transition must stick when the enqueue fails")
	}
	if len(queue.enqueued) != 0 {
		t.Fatalf("enqueued = %v, want none yet", queue.enqueued)
	}

	if _, err := svc.Requery(context.Background(), resp.Identifier); err != nil {
		t.Fatalf("second Requery() error = %v", err)
	}
	if len(queue.enqueued) != 1 || queue.enqueued[0] != charge.ID {
		t.Errorf("enqueued = %v, want [%d]", queue.enqueued, charge.ID)
	}
	if record, _ := queue.settlements.GetByChargeID(context.Background(), charge.ID); record == nil {
		t.Error("expected settlement record after re-enqueue")
	}

	if _, err := svc.Requery(context.Background(), resp.Identifier); err != nil {
		t.Fatalf("third Requery() error = %v", err)
	}
	if len(queue.enqueued) != 1 {
		t.Errorf("settlement enqueued %d times, want 1", len(queue.enqueued))
	}
}

func TestRequeryMarksExpiredCharge(t *testing.T) {
	p := &fakeProvider{
		name: provider.Paystack,
		verifyResult: &provider.Result{
			Success:        false,
			Message:        "Virtual account expired",
			ActionRequired: provider.ActionTerminate,
			Data:           map[string]interface{}{"status": "expired"},
		},
	}
	svc, store, queue, _ := newTestService(t, p)
	resp := initiateCharge(t, svc, "REF-022")

	if _, err := svc.Requery(context.Background(), resp.Identifier); err != nil {
		t.Fatalf("Requery() error = %v", err)
	}

	charge, _ := store.GetByIdentifier(context.Background(), resp.Identifier)
	if charge.Status != models.ChargeStatusExpired {
		t.Errorf("status = %s, want expired", charge.Status)
	}
	rows := store.historyByActivity(models.ActivityRequery)
	if len(rows) != 1 || rows[0].Status != models.ChargeStatusExpired {
		t.Errorf("REQUERY history = %+v, want one expired row", rows)
	}
	if len(queue.enqueued) != 0 {
		t.Error("expired charge must not enqueue settlement")
	}
}

func TestCancelPendingCharge(t *testing.T) {
	svc, store, _, _ := newTestService(t, nil)
	resp := initiateCharge(t, svc, "REF-030")

	if err := svc.Cancel(context.Background(), resp.Identifier); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	charge, _ := store.GetByIdentifier(context.Background(), resp.Identifier)
	if charge.Status != models.ChargeStatusCancelled {
		t.Errorf("status = %s, want cancelled", charge.Status)
	}

	if err := svc.Cancel(context.Background(), resp.Identifier); !payerr.Is(err, payerr.ErrValidation) {
		t.Fatalf("second Cancel() error = %v, want ErrValidation", err)
	}
}

func TestManualSettleRequiresSuccessfulCharge(t *testing.T) {
	svc, store, _, settler := newTestService(t, nil)
	resp := initiateCharge(t, svc, "REF-040")

	if _, err := svc.ManualSettle(context.Background(), resp.Identifier, "ops override"); !payerr.Is(err, payerr.ErrValidation) {
		t.Fatalf("ManualSettle() on pending error = %v, want ErrValidation", err)
	}

	charge, _ := store.GetByIdentifier(context.Background(), resp.Identifier)
	store.MarkSuccessful(context.Background(), charge.ID)

	settlement, err := svc.ManualSettle(context.Background(), resp.Identifier, "ops override")
	if err != nil {
		t.Fatalf("ManualSettle() error = %v", err)
	}
	if !settlement.ManualSettlement {
		t.Error("expected manual settlement flag")
	}
	if len(settler.settled) != 1 {
		t.Errorf("settled %d charges, want 1", len(settler.settled))
	}
}

func TestMarkChargeSuccessfulIsIdempotent(t *testing.T) {
	svc, store, queue, _ := newTestService(t, nil)
	resp := initiateCharge(t, svc, "REF-050")
	charge, _ := store.GetByIdentifier(context.Background(), resp.Identifier)

	applied, err := svc.MarkChargeSuccessful(context.Background(), charge, "webhook", nil)
	if err != nil || !applied {
		t.Fatalf("first MarkChargeSuccessful() = (%v, %v), want (true, nil)", applied, err)
	}

	applied, err = svc.MarkChargeSuccessful(context.Background(), charge, "requery", nil)
	if err != nil {
		t.Fatalf("second MarkChargeSuccessful() error = %v", err)
	}
	if applied {
		t.Error("second transition must not apply")
	}
	if len(queue.enqueued) != 1 {
		t.Errorf("settlement enqueued %d times, want 1", len(queue.enqueued))
	}
}

func TestRequestRefund(t *testing.T) {
	svc, store, _, _ := newTestService(t, nil)
	resp := initiateCharge(t, svc, "REF-060")
	charge, _ := store.GetByIdentifier(context.Background(), resp.Identifier)

	if err := svc.RequestRefund(context.Background(), "merchant-1", "REF-060", 250000); !payerr.Is(err, payerr.ErrValidation) {
		t.Fatalf("refund on pending charge error = %v, want ErrValidation", err)
	}

	store.MarkSuccessful(context.Background(), charge.ID)

	if err := svc.RequestRefund(context.Background(), "merchant-1", "REF-060", 300000); !payerr.Is(err, payerr.ErrValidation) {
		t.Fatalf("over-refund error = %v, want ErrValidation", err)
	}
	if err := svc.RequestRefund(context.Background(), "merchant-1", "REF-060", 250000); err != nil {
		t.Fatalf("RequestRefund() error = %v", err)
	}
	if rows := store.historyByActivity(models.ActivityRefundRequested); len(rows) != 1 {
		t.Errorf("REFUND_REQUESTED history rows = %d, want 1", len(rows))
	}
}

func TestGetChargeMasksContactDetails(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	req := validInitiateRequest("REF-070")
	req.Phone = "2348012345678"
	resp, err := svc.Initiate(context.Background(), req)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	details, err := svc.GetCharge(context.Background(), resp.Identifier)
	if err != nil {
		t.Fatalf("GetCharge() error = %v", err)
	}
	if details.Email != "cu***@example.com" {
		t.Errorf("email = %s, want masked", details.Email)
	}
	if details.Phone != "*********5678" {
		t.Errorf("phone = %s, want masked", details.Phone)
	}
	if details.MerchantReference != "REF-070" {
		t.Errorf("merchant reference = %s, want REF-070", details.MerchantReference)
	}
}
