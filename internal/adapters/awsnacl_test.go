package adapters

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"

	"sentinel-core/internal/config"
	"sentinel-core/internal/schema"
)

// fakeEC2 keeps ACL entries in memory.
type fakeEC2 struct {
	entries map[int32]types.NetworkAclEntry
	creates int
	err     error
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{entries: make(map[int32]types.NetworkAclEntry)}
}

func (f *fakeEC2) CreateNetworkAclEntry(_ context.Context, in *ec2.CreateNetworkAclEntryInput, _ ...func(*ec2.Options)) (*ec2.CreateNetworkAclEntryOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.creates++
	f.entries[*in.RuleNumber] = types.NetworkAclEntry{
		RuleNumber: in.RuleNumber,
		CidrBlock:  in.CidrBlock,
		Egress:     in.Egress,
		RuleAction: in.RuleAction,
	}
	return &ec2.CreateNetworkAclEntryOutput{}, nil
}

func (f *fakeEC2) DeleteNetworkAclEntry(_ context.Context, in *ec2.DeleteNetworkAclEntryInput, _ ...func(*ec2.Options)) (*ec2.DeleteNetworkAclEntryOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	delete(f.entries, *in.RuleNumber)
	return &ec2.DeleteNetworkAclEntryOutput{}, nil
}

func (f *fakeEC2) DescribeNetworkAcls(_ context.Context, _ *ec2.DescribeNetworkAclsInput, _ ...func(*ec2.Options)) (*ec2.DescribeNetworkAclsOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	acl := types.NetworkAcl{}
	for _, e := range f.entries {
		acl.Entries = append(acl.Entries, e)
	}
	return &ec2.DescribeNetworkAclsOutput{NetworkAcls: []types.NetworkAcl{acl}}, nil
}

func testNacl(client ec2API) *AWSNacl {
	return &AWSNacl{
		cfg:    config.AWSConfig{Region: "us-east-1", NetworkACLID: "acl-123", RuleNumberBase: 10000},
		client: client,
	}
}

func TestAWSNaclApplyAndRemove(t *testing.T) {
	client := newFakeEC2()
	a := testNacl(client)
	rule := denyRule("203.0.113.9/32")

	nativeID, err := a.Apply(context.Background(), rule)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	parts := strings.Split(nativeID, compoundSep)
	if len(parts) != 2 {
		t.Fatalf("compound id = %q, want one entry per port", nativeID)
	}
	for _, part := range parts {
		num, err := strconv.Atoi(part)
		if err != nil {
			t.Fatalf("native id part %q not a rule number", part)
		}
		e, ok := client.entries[int32(num)]
		if !ok {
			t.Fatalf("no ACL entry %d", num)
		}
		if e.RuleAction != types.RuleActionDeny {
			t.Errorf("entry %d action = %s", num, e.RuleAction)
		}
	}

	present, err := a.Query(context.Background(), nativeID)
	if err != nil || !present {
		t.Fatalf("Query() = %v, %v", present, err)
	}

	// A retry of the same rule id creates nothing new.
	before := client.creates
	again, err := a.Apply(context.Background(), rule)
	if err != nil {
		t.Fatalf("retry Apply() error = %v", err)
	}
	if again != nativeID {
		t.Errorf("retry produced id %q, first was %q", again, nativeID)
	}
	if client.creates != before {
		t.Errorf("retry created %d new entries", client.creates-before)
	}

	if err := a.Remove(context.Background(), nativeID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if len(client.entries) != 0 {
		t.Errorf("%d entries left after remove", len(client.entries))
	}
	present, err = a.Query(context.Background(), nativeID)
	if err != nil || present {
		t.Errorf("Query() after remove = %v, %v", present, err)
	}
}

func TestAWSNaclRateLimitUnsupported(t *testing.T) {
	a := testNacl(newFakeEC2())
	_, err := a.Apply(context.Background(), &schema.UniversalRule{
		RuleID:  uuid.New(),
		Match:   schema.RuleMatch{SrcCIDR: "203.0.113.0/24"},
		Action:  schema.RuleRateLimit,
		RatePPS: 100,
	})
	if Classify(err) != schema.OutcomePermanent {
		t.Errorf("rate_limit outcome = %s, want PERMANENT", Classify(err))
	}
}

func TestAWSNaclUnreachable(t *testing.T) {
	client := newFakeEC2()
	client.err = errors.New("dial tcp: connection refused")
	a := testNacl(client)

	_, err := a.Apply(context.Background(), denyRule("203.0.113.9/32"))
	if Classify(err) != schema.OutcomeUnreachable {
		t.Errorf("network failure outcome = %s, want UNREACHABLE", Classify(err))
	}
}

func TestAWSNaclDefaultCIDR(t *testing.T) {
	client := newFakeEC2()
	a := testNacl(client)

	_, err := a.Apply(context.Background(), &schema.UniversalRule{
		RuleID: uuid.New(),
		Match:  schema.RuleMatch{Protocol: schema.ProtocolICMP},
		Action: schema.RuleDeny,
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	for _, e := range client.entries {
		if aws.ToString(e.CidrBlock) != "0.0.0.0/0" {
			t.Errorf("cidr = %s", aws.ToString(e.CidrBlock))
		}
	}
}
