package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/categories"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/classify"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/detect"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox/memory"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/store"
)

type countingClassifier struct {
	calls  atomic.Int32
	result classify.Result
	err    error
}

func (c *countingClassifier) Classify(_ context.Context, _ classify.Request) (*classify.Result, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	res := c.result
	return &res, nil
}

func quoteClassifier() *countingClassifier {
	return &countingClassifier{result: classify.Result{Classification: classify.Quote, Confidence: 0.9}}
}

func supplierReply(subject string) mailbox.Message {
	return mailbox.Message{
		Subject: subject,
		Body:    "We quote $12.50/unit, lead time 3 weeks.",
		From:    mailbox.Address{Address: "supplier@x.com"},
		To:      []mailbox.Address{{Address: "buyer@example.com"}},
	}
}

func listed(t *testing.T, gw *memory.Store, id string) mailbox.Message {
	t.Helper()
	msg, ok := gw.Message(id)
	require.True(t, ok)
	return msg
}

func TestProcessFilesQuoteEndToEnd(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	cls := quoteClassifier()
	p := New(gw, cls)
	id := gw.AddMessage(supplierReply("RE: RFQ for MAT-55555"))

	res, err := p.Process(ctx, listed(t, gw, id))
	require.NoError(t, err)
	require.Equal(t, ActionFiled, res.Action)
	require.Equal(t, "MAT-55555/Quotes", res.Folder)
	require.Equal(t, detect.MethodSubject, res.Evidence.Method)
	require.Equal(t, "MAT-55555", res.Evidence.MaterialCode)
	require.Empty(t, res.Warnings)
	require.True(t, p.Processed().Has(id))
	require.EqualValues(t, 1, cls.calls.Load())

	moved, ok := gw.Message(res.NewMessageID)
	require.True(t, ok)
	require.Equal(t, "MAT-55555/Quotes", gw.FolderPath(moved.ParentFolderID))
	require.Equal(t, []string{"Quote"}, moved.Categories)
	require.True(t, moved.IsRead)

	for _, leaf := range []string{"SentRFQs", "ClarificationRequests", "AwaitingClarification", "AwaitingEngineer", "EngineerResponse"} {
		_, err := p.Directory().GetFolderIDByPath(ctx, "MAT-55555/"+leaf)
		require.NoError(t, err, leaf)
	}

	masters, err := gw.ListMasterCategories(ctx)
	require.NoError(t, err)
	var quote *mailbox.MasterCategory
	for i := range masters {
		if masters[i].Name == "Quote" {
			quote = &masters[i]
		}
	}
	require.NotNil(t, quote)
	require.Equal(t, categories.PresetGreen, quote.Color)
}

func TestProcessSameMessageTwiceRunsOnce(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	cls := quoteClassifier()
	p := New(gw, cls)
	id := gw.AddMessage(supplierReply("RE: RFQ for MAT-321"))
	msg := listed(t, gw, id)

	first, err := p.Process(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, ActionFiled, first.Action)
	gets := gw.Calls("GetMessage")

	second, err := p.Process(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, ActionSkipped, second.Action)
	require.Equal(t, gets, gw.Calls("GetMessage"))
	require.EqualValues(t, 1, cls.calls.Load())
	require.Equal(t, 1, gw.Calls("MoveMessage"))

	// The post-move id is covered too, so a listing that reports the filed
	// copy does not move it again.
	third, err := p.Process(ctx, listed(t, gw, first.NewMessageID))
	require.NoError(t, err)
	require.Equal(t, ActionSkipped, third.Action)
	require.EqualValues(t, 1, cls.calls.Load())
	require.Equal(t, 1, gw.Calls("MoveMessage"))
}

func TestProcessRechecksNoMatchBeforeMarkingProcessed(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	cls := quoteClassifier()
	p := New(gw, cls, WithNoMatchRechecks(2))
	id := gw.AddMessage(mailbox.Message{Subject: "Hello", From: mailbox.Address{Address: "a@b.com"}})
	msg := listed(t, gw, id)

	for i := 0; i < 3; i++ {
		res, err := p.Process(ctx, msg)
		require.NoError(t, err)
		require.Equal(t, ActionNoMatch, res.Action)
	}
	require.True(t, p.Processed().Has(id))
	gets := gw.Calls("GetMessage")

	res, err := p.Process(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, ActionSkipped, res.Action)
	require.Equal(t, gets, gw.Calls("GetMessage"))
	require.Zero(t, cls.calls.Load())
}

func TestProcessFilesReplyOnceItsRFQBecomesVisible(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	cls := quoteClassifier()
	p := New(gw, cls)
	id := gw.AddMessage(mailbox.Message{
		Subject:        "Pricing for you",
		ConversationID: "conv-1",
		From:           mailbox.Address{Address: "supplier@x.com"},
	})

	res, err := p.Process(ctx, listed(t, gw, id))
	require.NoError(t, err)
	require.Equal(t, ActionNoMatch, res.Action)
	require.False(t, p.Processed().Has(id))

	gw.AddMessage(mailbox.Message{
		Subject:        "RFQ for MAT-777",
		ConversationID: "conv-1",
		ParentFolderID: memory.SentItemsID,
		Categories:     []string{"Sent RFQ"},
		To:             []mailbox.Address{{Address: "supplier@x.com"}},
	})
	res, err = p.Process(ctx, listed(t, gw, id))
	require.NoError(t, err)
	require.Equal(t, ActionFiled, res.Action)
	require.Equal(t, "MAT-777/Quotes", res.Folder)
}

func TestProcessRecordsClassificationRefUnderNewID(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	cls := quoteClassifier()
	cls.result.BackendID = "cls-42"
	p := New(gw, cls, WithOrchestrator(classify.NewOrchestrator(gw, cls, classify.WithRefStore(st))))
	id := gw.AddMessage(supplierReply("RE: RFQ for MAT-4242"))

	res, err := p.Process(ctx, listed(t, gw, id))
	require.NoError(t, err)
	require.Equal(t, ActionFiled, res.Action)
	require.NotEqual(t, id, res.NewMessageID)

	ref, ok, err := st.ClassificationRef(ctx, res.NewMessageID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "cls-42", ref)
}

func TestProcessDeletesDeniedSender(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	p := New(gw, quoteClassifier())
	id := gw.AddMessage(mailbox.Message{
		Subject: "Undeliverable: RFQ for MAT-1",
		From:    mailbox.Address{Address: "MAILER-DAEMON@relay.example.com"},
	})

	res, err := p.Process(ctx, listed(t, gw, id))
	require.NoError(t, err)
	require.Equal(t, ActionDeleted, res.Action)
	_, ok := gw.Message(id)
	require.False(t, ok)
	require.True(t, p.Processed().Has(id))
	require.Zero(t, gw.Calls("GetMessage"))
}

func TestProcessReappliesGuardAfterFullFetch(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	cls := quoteClassifier()
	p := New(gw, cls)
	id := gw.AddMessage(mailbox.Message{
		Subject: "RE: RFQ for MAT-1",
		From:    mailbox.Address{Name: "Microsoft Outlook", Address: "outlook@tenant.example"},
	})
	thin := listed(t, gw, id)
	thin.From = mailbox.Address{}

	res, err := p.Process(ctx, thin)
	require.NoError(t, err)
	require.Equal(t, ActionDeleted, res.Action)
	require.Equal(t, 1, gw.Calls("GetMessage"))
	require.Zero(t, cls.calls.Load())
}

func TestProcessClassifierFailureLeavesMessageUnprocessed(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	cls := &countingClassifier{err: errors.New("classifier down")}
	p := New(gw, cls)
	id := gw.AddMessage(supplierReply("RE: RFQ for MAT-2"))

	res, err := p.Process(ctx, listed(t, gw, id))
	require.Error(t, err)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, StepClassify, stepErr.Step)
	require.True(t, stepErr.Critical)
	require.Equal(t, ActionFailed, res.Action)
	require.False(t, p.Processed().Has(id))
	require.Equal(t, "Inbox", gw.FolderPath(listed(t, gw, id).ParentFolderID))

	cls.err = nil
	cls.result = classify.Result{Classification: classify.ClarificationRequest, SubClassification: "engineering"}
	res, err = p.Process(ctx, listed(t, gw, id))
	require.NoError(t, err)
	require.Equal(t, "MAT-2/AwaitingEngineer", res.Folder)
}

func TestProcessMoveFailureIsCritical(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	p := New(gw, quoteClassifier())
	id := gw.AddMessage(supplierReply("RE: RFQ for MAT-3"))
	gw.FailNext("MoveMessage", errors.New("503 service unavailable"))

	res, err := p.Process(ctx, listed(t, gw, id))
	require.Error(t, err)
	require.Equal(t, ActionFailed, res.Action)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, StepMove, stepErr.Step)
	require.False(t, p.Processed().Has(id))
}

func TestProcessSwallowsNonCriticalFailures(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	p := New(gw, quoteClassifier())
	id := gw.AddMessage(supplierReply("RE: RFQ for MAT-4"))
	gw.FailNext("CreateMasterCategory", errors.New("throttled"))
	gw.FailNext("PatchMessage", errors.New("throttled"))

	res, err := p.Process(ctx, listed(t, gw, id))
	require.NoError(t, err)
	require.Equal(t, ActionFiled, res.Action)
	require.Len(t, res.Warnings, 2)
	assert.Equal(t, StepCategory, res.Warnings[0].Step)
	assert.Equal(t, StepMarkRead, res.Warnings[1].Step)
	assert.False(t, res.Warnings[0].Critical)
	require.True(t, p.Processed().Has(id))

	moved, ok := gw.Message(res.NewMessageID)
	require.True(t, ok)
	require.Equal(t, "MAT-4/Quotes", gw.FolderPath(moved.ParentFolderID))
}

func TestProcessQuarantinesAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	cls := &countingClassifier{err: errors.New("unparseable")}
	p := New(gw, cls, WithMaxAttempts(2))
	id := gw.AddMessage(supplierReply("RE: RFQ for MAT-5"))
	msg := listed(t, gw, id)

	res, err := p.Process(ctx, msg)
	require.Error(t, err)
	require.Equal(t, ActionFailed, res.Action)

	res, err = p.Process(ctx, msg)
	require.Error(t, err)
	require.Equal(t, ActionQuarantined, res.Action)
	require.True(t, p.Processed().Has(id))
	q := p.Quarantined()
	require.Len(t, q, 1)
	require.Equal(t, 2, q[0].Attempts)
	require.Contains(t, q[0].LastError, "unparseable")

	res, err = p.Process(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, ActionSkipped, res.Action)
	require.EqualValues(t, 2, cls.calls.Load())

	p.Reset()
	require.Empty(t, p.Quarantined())
	require.Zero(t, p.Processed().Len())
}

func TestProcessQuarantineDisabled(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	p := New(gw, &countingClassifier{err: errors.New("down")}, WithMaxAttempts(0))
	id := gw.AddMessage(supplierReply("RE: RFQ for MAT-6"))
	for i := 0; i < DefaultMaxAttempts+1; i++ {
		res, err := p.Process(ctx, listed(t, gw, id))
		require.Error(t, err)
		require.Equal(t, ActionFailed, res.Action)
	}
	require.Empty(t, p.Quarantined())
}

func TestProcessTransientFailuresDoNotQuarantine(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	cls := &countingClassifier{err: errors.New("dial tcp: connection reset by peer")}
	p := New(gw, cls, WithMaxAttempts(2))
	id := gw.AddMessage(supplierReply("RE: RFQ for MAT-6"))

	for i := 0; i < 4; i++ {
		res, err := p.Process(ctx, listed(t, gw, id))
		require.Error(t, err)
		require.Equal(t, ActionFailed, res.Action)
	}
	require.Empty(t, p.Quarantined())
	require.False(t, p.Processed().Has(id))

	cls.err = nil
	res, err := p.Process(ctx, listed(t, gw, id))
	require.NoError(t, err)
	require.Equal(t, ActionFiled, res.Action)
}

func TestProcessOtherClassificationFilesAtRoot(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	p := New(gw, &countingClassifier{result: classify.Result{Classification: "newsletter"}})
	id := gw.AddMessage(supplierReply("RE: RFQ for MAT-8"))

	res, err := p.Process(ctx, listed(t, gw, id))
	require.NoError(t, err)
	require.Equal(t, ActionFiled, res.Action)
	require.Equal(t, "MAT-8", res.Folder)
	moved, _ := gw.Message(res.NewMessageID)
	require.Equal(t, "MAT-8", gw.FolderPath(moved.ParentFolderID))
	require.Empty(t, moved.Categories)
}

type codelessStrategy struct{}

func (codelessStrategy) Name() detect.Method { return detect.MethodConversation }
func (codelessStrategy) Detect(context.Context, *mailbox.Message) (*detect.Evidence, error) {
	return &detect.Evidence{Method: detect.MethodConversation}, nil
}

func TestProcessWithoutMaterialCodeIsUnfiled(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	cls := quoteClassifier()
	p := New(gw, cls, WithDetector(detect.New(gw, detect.WithStrategies(codelessStrategy{}))))
	id := gw.AddMessage(supplierReply("RE: your request"))

	res, err := p.Process(ctx, listed(t, gw, id))
	require.NoError(t, err)
	require.Equal(t, ActionUnfiled, res.Action)
	require.True(t, p.Processed().Has(id))
	require.Zero(t, gw.Calls("MoveMessage"))
	require.EqualValues(t, 1, cls.calls.Load())
}

func TestProcessRequiresID(t *testing.T) {
	p := New(memory.New(), quoteClassifier())
	_, err := p.Process(context.Background(), mailbox.Message{})
	require.Error(t, err)
}
