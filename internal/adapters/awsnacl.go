package adapters

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"sentinel-core/internal/config"
	"sentinel-core/internal/schema"
)

// managedRange is how many ACL entry numbers the adapter may occupy
// above the configured base.
const managedRange = 4096

// ec2API is the slice of the EC2 client the adapter calls.
type ec2API interface {
	CreateNetworkAclEntry(ctx context.Context, in *ec2.CreateNetworkAclEntryInput, opts ...func(*ec2.Options)) (*ec2.CreateNetworkAclEntryOutput, error)
	DeleteNetworkAclEntry(ctx context.Context, in *ec2.DeleteNetworkAclEntryInput, opts ...func(*ec2.Options)) (*ec2.DeleteNetworkAclEntryOutput, error)
	DescribeNetworkAcls(ctx context.Context, in *ec2.DescribeNetworkAclsInput, opts ...func(*ec2.Options)) (*ec2.DescribeNetworkAclsOutput, error)
}

// AWSNacl enforces rules as VPC network ACL entries. ACL entries are
// the VPC surface that can express deny; security groups cannot. Rate
// limiting has no ACL equivalent and fails permanently, leaving that
// action to the host adapters.
type AWSNacl struct {
	cfg    config.AWSConfig
	client ec2API
}

// NewAWSNacl builds the adapter with the default credential chain.
func NewAWSNacl(ctx context.Context, cfg config.AWSConfig) (*AWSNacl, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("aws configuration: %w", err)
	}
	if cfg.RuleNumberBase <= 0 {
		cfg.RuleNumberBase = 10000
	}
	return &AWSNacl{cfg: cfg, client: ec2.NewFromConfig(awsCfg)}, nil
}

func (a *AWSNacl) Name() string { return "aws_nacl" }

// ruleNumber derives a stable entry number from the rule id so a
// retry lands on the same number.
func (a *AWSNacl) ruleNumber(rule *schema.UniversalRule, part int) int32 {
	h := fnv.New32a()
	h.Write([]byte(rule.RuleID.String()))
	return int32(a.cfg.RuleNumberBase + int(h.Sum32()%uint32(managedRange-64)) + part)
}

// Apply creates one ACL entry per destination port, or a single entry
// when the match carries no ports.
func (a *AWSNacl) Apply(ctx context.Context, rule *schema.UniversalRule) (string, error) {
	action, err := a.ruleAction(rule)
	if err != nil {
		return "", Permanent(err)
	}
	proto, err := naclProtocol(rule.Match.Protocol)
	if err != nil {
		return "", Permanent(err)
	}
	cidr := rule.Match.SrcCIDR
	if cidr == "" {
		cidr = "0.0.0.0/0"
	}

	ports := rule.Match.DstPorts
	if len(ports) == 0 {
		ports = []int{-1}
	}

	existing, err := a.managedEntries(ctx)
	if err != nil {
		return "", err
	}

	ids := make([]string, 0, len(ports))
	for i, port := range ports {
		num := a.ruleNumber(rule, i)
		ids = append(ids, strconv.Itoa(int(num)))
		if _, ok := existing[num]; ok {
			continue
		}

		in := &ec2.CreateNetworkAclEntryInput{
			NetworkAclId: aws.String(a.cfg.NetworkACLID),
			RuleNumber:   aws.Int32(num),
			Egress:       aws.Bool(false),
			Protocol:     aws.String(proto),
			RuleAction:   action,
			CidrBlock:    aws.String(cidr),
		}
		if port >= 0 {
			in.PortRange = &types.PortRange{From: aws.Int32(int32(port)), To: aws.Int32(int32(port))}
		}
		if _, err := a.client.CreateNetworkAclEntry(ctx, in); err != nil {
			return "", classifyAWS(err)
		}
	}
	return strings.Join(ids, compoundSep), nil
}

func (a *AWSNacl) ruleAction(rule *schema.UniversalRule) (types.RuleAction, error) {
	switch rule.Action {
	case schema.RuleDeny, schema.RuleQuarantine:
		return types.RuleActionDeny, nil
	case schema.RuleAllow:
		return types.RuleActionAllow, nil
	default:
		return "", fmt.Errorf("action %q has no network ACL translation", rule.Action)
	}
}

func naclProtocol(p schema.Protocol) (string, error) {
	switch p {
	case schema.ProtocolTCP:
		return "6", nil
	case schema.ProtocolUDP:
		return "17", nil
	case schema.ProtocolICMP:
		return "1", nil
	case "", schema.ProtocolOther:
		return "-1", nil
	}
	return "", fmt.Errorf("protocol %q has no IANA number", p)
}

// Remove deletes every entry number of the compound id.
func (a *AWSNacl) Remove(ctx context.Context, nativeID string) error {
	existing, err := a.managedEntries(ctx)
	if err != nil {
		return err
	}
	for _, part := range strings.Split(nativeID, compoundSep) {
		num, err := strconv.Atoi(part)
		if err != nil {
			return Permanent(fmt.Errorf("malformed native id %q", nativeID))
		}
		if _, ok := existing[int32(num)]; !ok {
			continue
		}
		_, err = a.client.DeleteNetworkAclEntry(ctx, &ec2.DeleteNetworkAclEntryInput{
			NetworkAclId: aws.String(a.cfg.NetworkACLID),
			RuleNumber:   aws.Int32(int32(num)),
			Egress:       aws.Bool(false),
		})
		if err != nil {
			return classifyAWS(err)
		}
	}
	return nil
}

// Query reports whether every entry of the compound id exists.
func (a *AWSNacl) Query(ctx context.Context, nativeID string) (bool, error) {
	existing, err := a.managedEntries(ctx)
	if err != nil {
		return false, err
	}
	for _, part := range strings.Split(nativeID, compoundSep) {
		num, err := strconv.Atoi(part)
		if err != nil {
			return false, Permanent(fmt.Errorf("malformed native id %q", nativeID))
		}
		if _, ok := existing[int32(num)]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// List returns every managed entry number as a native id.
func (a *AWSNacl) List(ctx context.Context) ([]string, error) {
	existing, err := a.managedEntries(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(existing))
	for num := range existing {
		ids = append(ids, strconv.Itoa(int(num)))
	}
	return ids, nil
}

// Healthy describes the ACL to verify reachability and permissions.
func (a *AWSNacl) Healthy(ctx context.Context) error {
	_, err := a.managedEntries(ctx)
	return err
}

// managedEntries returns the ingress entries inside the managed number
// range.
func (a *AWSNacl) managedEntries(ctx context.Context) (map[int32]types.NetworkAclEntry, error) {
	out, err := a.client.DescribeNetworkAcls(ctx, &ec2.DescribeNetworkAclsInput{
		NetworkAclIds: []string{a.cfg.NetworkACLID},
	})
	if err != nil {
		return nil, classifyAWS(err)
	}
	entries := make(map[int32]types.NetworkAclEntry)
	low := int32(a.cfg.RuleNumberBase)
	high := low + managedRange
	for _, acl := range out.NetworkAcls {
		for _, e := range acl.Entries {
			if e.Egress != nil && *e.Egress {
				continue
			}
			if e.RuleNumber == nil || *e.RuleNumber < low || *e.RuleNumber >= high {
				continue
			}
			entries[*e.RuleNumber] = e
		}
	}
	return entries, nil
}

// classifyAWS maps EC2 API failures onto the adapter taxonomy.
func classifyAWS(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "RequestLimitExceeded", "Throttling", "ThrottlingException":
			return Transient(err)
		case "InvalidNetworkAclID.NotFound", "InvalidParameterValue", "NetworkAclEntryLimitExceeded", "UnauthorizedOperation":
			return Permanent(err)
		}
		return Transient(err)
	}
	// No API-level response at all: the endpoint is unreachable.
	return Unreachable(err)
}
