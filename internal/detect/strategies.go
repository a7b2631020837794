package detect

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/folders"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
)

// DefaultMaxDepth bounds the folder ancestry walk.
const DefaultMaxDepth = 10

// SubjectStrategy matches a MAT token in a reply subject or an RFQ subject.
// It never touches the mailbox.
type SubjectStrategy struct{}

func (SubjectStrategy) Name() Method { return MethodSubject }

func (SubjectStrategy) Detect(_ context.Context, msg *mailbox.Message) (*Evidence, error) {
	code, ok := ExtractMaterialCode(msg.Subject)
	if !ok {
		return nil, nil
	}
	if !IsReplySubject(msg.Subject) && !strings.Contains(strings.ToLower(msg.Subject), "rfq") {
		return nil, nil
	}
	return &Evidence{MaterialCode: code, ParentSubject: msg.Subject, Method: MethodSubject}, nil
}

// AncestryWalker climbs the folder tree looking for a material root.
type AncestryWalker struct {
	gw       mailbox.Gateway
	maxDepth int
}

// NewAncestryWalker returns a walker bounded by DefaultMaxDepth.
func NewAncestryWalker(gw mailbox.Gateway) *AncestryWalker {
	return &AncestryWalker{gw: gw, maxDepth: DefaultMaxDepth}
}

// Walk starts at folderID and returns the first material code found on the
// way up. It stops at a folder named Inbox or at the top of the tree.
func (w *AncestryWalker) Walk(ctx context.Context, folderID string) (string, bool, error) {
	cur := folderID
	for depth := 0; depth < w.maxDepth && cur != ""; depth++ {
		f, err := w.gw.GetFolder(ctx, cur)
		if err != nil {
			return "", false, fmt.Errorf("get folder %s: %w", cur, err)
		}
		name := strings.TrimSpace(f.Name)
		if strings.EqualFold(name, "Inbox") {
			return "", false, nil
		}
		if folders.IsMaterialCode(name) {
			return strings.ToUpper(name), true, nil
		}
		cur = f.ParentID
	}
	return "", false, nil
}

// ConversationStrategy finds the sent RFQ earlier in the same conversation.
type ConversationStrategy struct {
	gw     mailbox.Gateway
	walker *AncestryWalker
}

func (*ConversationStrategy) Name() Method { return MethodConversation }

func (s *ConversationStrategy) Detect(ctx context.Context, msg *mailbox.Message) (*Evidence, error) {
	if msg.ConversationID == "" {
		return nil, nil
	}
	siblings, err := s.gw.SearchByConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("search conversation: %w", err)
	}
	sort.SliceStable(siblings, func(i, j int) bool {
		return siblings[i].ReceivedAt.Before(siblings[j].ReceivedAt)
	})
	for i := range siblings {
		parent := &siblings[i]
		if parent.ID == msg.ID || !hasSentRFQCategory(parent.Categories) {
			continue
		}
		code, ok, err := s.walker.Walk(ctx, parent.ParentFolderID)
		if err != nil || !ok {
			code, ok = ExtractMaterialCode(parent.Subject)
		}
		if !ok {
			return nil, nil
		}
		return &Evidence{
			MaterialCode:    code,
			ParentMessageID: parent.ID,
			ParentSubject:   parent.Subject,
			Method:          MethodConversation,
		}, nil
	}
	return nil, nil
}

func hasSentRFQCategory(cats []string) bool {
	for _, c := range cats {
		if strings.Contains(strings.ToLower(c), "sent rfq") {
			return true
		}
	}
	return false
}

// FolderAncestryStrategy matches messages already filed under a material.
type FolderAncestryStrategy struct {
	walker *AncestryWalker
}

func (*FolderAncestryStrategy) Name() Method { return MethodFolderAncestry }

func (s *FolderAncestryStrategy) Detect(ctx context.Context, msg *mailbox.Message) (*Evidence, error) {
	if msg.ParentFolderID == "" {
		return nil, nil
	}
	code, ok, err := s.walker.Walk(ctx, msg.ParentFolderID)
	if err != nil || !ok {
		return nil, err
	}
	return &Evidence{MaterialCode: code, ParentSubject: msg.Subject, Method: MethodFolderAncestry}, nil
}

// FolderMembershipStrategy matches messages sitting in a Sent RFQs folder.
type FolderMembershipStrategy struct {
	gw     mailbox.Gateway
	walker *AncestryWalker
}

func (*FolderMembershipStrategy) Name() Method { return MethodFolderMembership }

func (s *FolderMembershipStrategy) Detect(ctx context.Context, msg *mailbox.Message) (*Evidence, error) {
	if msg.ParentFolderID == "" {
		return nil, nil
	}
	f, err := s.gw.GetFolder(ctx, msg.ParentFolderID)
	if err != nil {
		return nil, fmt.Errorf("get folder %s: %w", msg.ParentFolderID, err)
	}
	if !isSentRFQsFolder(f.Name) {
		return nil, nil
	}
	code, ok, err := s.walker.Walk(ctx, f.ParentID)
	if err != nil || !ok {
		return nil, err
	}
	return &Evidence{MaterialCode: code, ParentSubject: msg.Subject, Method: MethodFolderMembership}, nil
}

func isSentRFQsFolder(name string) bool {
	return strings.EqualFold(strings.ReplaceAll(strings.TrimSpace(name), " ", ""), folders.SentRFQs)
}
